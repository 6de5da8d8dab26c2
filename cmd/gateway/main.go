// Command gateway runs the OCR gateway: an API-key and rate-limiting gate in
// front of local OCR and vision-language engines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "OCR gateway server and tooling",
	Long: `The OCR gateway fronts local Tesseract and vision-language engines with
API-key authentication, per-key rate limiting, and an admin API for key
management.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to .env file")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
