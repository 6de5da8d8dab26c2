package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/adminauth"
	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/config"
	"github.com/scantext/ocr-gateway/internal/database"
	"github.com/scantext/ocr-gateway/internal/engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// pngBytes is a minimal payload carrying the PNG magic so content sniffing
// accepts it.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type fakeOCR struct {
	extractResult  *engine.TextResult
	detailedResult *engine.DetailedResult
	hocr           string
	languages      []string
	err            error
	calls          int
}

func (f *fakeOCR) Extract(ctx context.Context, image []byte, opts engine.ExtractOptions) (*engine.TextResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.extractResult, nil
}

func (f *fakeOCR) ExtractDetailed(ctx context.Context, image []byte, opts engine.ExtractOptions) (*engine.DetailedResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.detailedResult, nil
}

func (f *fakeOCR) ExtractHOCR(ctx context.Context, image []byte, opts engine.ExtractOptions) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.hocr, nil
}

func (f *fakeOCR) Languages(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.languages, nil
}

func (f *fakeOCR) Version(ctx context.Context) (string, error) {
	return "5.3.0", nil
}

type fakeVLM struct {
	result *engine.UnderstandResult
	status engine.Status
	err    error
	prompt string
}

func (f *fakeVLM) Understand(ctx context.Context, image []byte, prompt string, opts engine.UnderstandOptions) (*engine.UnderstandResult, error) {
	f.prompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeVLM) Status(ctx context.Context) engine.Status {
	return f.status
}

type testEnv struct {
	server   *Server
	store    *apikey.Store
	ocr      *fakeOCR
	vlm      *fakeVLM
	usageDB  *database.DB
	recorder *database.UsageRecorder
	secret   string // plaintext of a pre-created active key
	keyID    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		ListenAddr:                ":0",
		RequestTimeout:            5 * time.Second,
		MaxUploadSize:             1 << 20,
		Env:                       "test",
		AdminUsername:             "admin",
		AdminPassword:             "sekrit",
		JWTSecret:                 "test-jwt-secret",
		SessionTTL:                time.Hour,
		DefaultRateLimitPerMinute: 100,
		DefaultRateLimitPerDay:    1000,
		AllowedLanguages:          []string{"eng", "deu"},
	}

	logger := zap.NewNop()
	store := apikey.NewStore(
		filepath.Join(t.TempDir(), "keys.json"),
		apikey.Limits{PerMinute: cfg.DefaultRateLimitPerMinute, PerDay: cfg.DefaultRateLimitPerDay},
		logger,
	)
	created, err := store.Create("test key", nil)
	require.NoError(t, err)

	gate := apikey.NewGate(store, apikey.NewRateLimiter(), logger, nil)
	issuer := adminauth.NewIssuer(adminauth.Credentials{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
	}, cfg.JWTSecret, cfg.SessionTTL)

	presets, err := engine.LoadPresets("")
	require.NoError(t, err)

	ocr := &fakeOCR{
		extractResult:  &engine.TextResult{Text: "hello", Confidence: 95, Language: "eng"},
		detailedResult: &engine.DetailedResult{Text: "hello", WordCount: 1},
		hocr:           `<?xml version="1.0" encoding="UTF-8"?><html><body class="ocr_page"/></html>`,
		languages:      []string{"eng", "deu"},
	}
	vlm := &fakeVLM{
		result: &engine.UnderstandResult{Result: "{}", Model: "test-vlm"},
		status: engine.Status{Status: "healthy"},
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Path = ":memory:"
	usageDB, err := database.New(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = usageDB.Close() })
	recorder := database.NewUsageRecorder(usageDB, 64, logger)
	t.Cleanup(recorder.Close)

	srv := New(cfg, logger, Options{
		Store:    store,
		Gate:     gate,
		Issuer:   issuer,
		OCR:      ocr,
		VLM:      vlm,
		Presets:  presets,
		UsageDB:  usageDB,
		Recorder: recorder,
	})

	return &testEnv{
		server:   srv,
		store:    store,
		ocr:      ocr,
		vlm:      vlm,
		usageDB:  usageDB,
		recorder: recorder,
		secret:   created.Secret,
		keyID:    created.ID,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// multipartBody builds a multipart form with one file part plus fields.
func multipartBody(t *testing.T, fileField, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if fileField != "" {
		part, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (e *testEnv) uploadRequest(t *testing.T, path string, fields map[string]string) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, "file", "scan.png", pngBytes, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerAPIKey, e.secret)
	return req
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": "admin", "password": "sekrit"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := e.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (e *testEnv) adminRequest(t *testing.T, method, path string, payload any) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.adminToken(t))
	return req
}

var errEngineDown = errors.New("engine exploded")
