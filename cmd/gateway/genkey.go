package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/config"
)

var (
	genKeyName      string
	genKeyPerMinute int
	genKeyPerDay    int
)

var genKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Create an API key directly in the key store",
	Long: `Creates a key against the configured store file without going through the
admin API. Intended for bootstrapping the first key; the plaintext secret is
printed exactly once.`,
	RunE: runGenKey,
}

func init() {
	genKeyCmd.Flags().StringVar(&genKeyName, "name", "", "Name of the key (required)")
	genKeyCmd.Flags().IntVar(&genKeyPerMinute, "per-minute", -1, "Requests per minute (0 = unlimited, default from config)")
	genKeyCmd.Flags().IntVar(&genKeyPerDay, "per-day", -1, "Requests per day (0 = unlimited, default from config)")
	_ = genKeyCmd.MarkFlagRequired("name")
}

func runGenKey(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	store := apikey.NewStore(cfg.KeysFilePath(), apikey.Limits{
		PerMinute: cfg.DefaultRateLimitPerMinute,
		PerDay:    cfg.DefaultRateLimitPerDay,
	}, zap.NewNop())
	store.Reload()

	limits := &apikey.Limits{
		PerMinute: cfg.DefaultRateLimitPerMinute,
		PerDay:    cfg.DefaultRateLimitPerDay,
	}
	if genKeyPerMinute >= 0 {
		limits.PerMinute = genKeyPerMinute
	}
	if genKeyPerDay >= 0 {
		limits.PerDay = genKeyPerDay
	}

	created, err := store.Create(genKeyName, limits)
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	out, err := json.MarshalIndent(created, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Fprintln(os.Stderr, "Store the key now; it is not retrievable later.")
	return nil
}
