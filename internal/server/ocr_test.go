package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scantext/ocr-gateway/internal/engine"
)

func TestExtract(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/extract", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var result engine.TextResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, 1, env.ocr.calls)
}

func TestExtractDetailed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/extract/detailed", map[string]string{"lang": "deu", "psm": "6"}))
	require.Equal(t, http.StatusOK, w.Code)

	var result engine.DetailedResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.WordCount)
}

func TestExtractValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"disallowed language", map[string]string{"lang": "klingon"}},
		{"psm out of range", map[string]string{"psm": "99"}},
		{"psm not a number", map[string]string{"psm": "abc"}},
		{"oem out of range", map[string]string{"oem": "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, env.uploadRequest(t, "/ocr/extract", tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	// Invalid requests never reach the engine.
	assert.Equal(t, 0, env.ocr.calls)
}

func TestExtractMissingFile(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "", "", nil, map[string]string{"lang": "eng"})
	req := httptest.NewRequest(http.MethodPost, "/ocr/extract", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerAPIKey, env.secret)

	w := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtractRejectsNonImage(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "file", "notes.txt", []byte("plain text, not an image"), nil)
	req := httptest.NewRequest(http.MethodPost, "/ocr/extract", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerAPIKey, env.secret)

	w := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported content type")
	assert.Equal(t, 0, env.ocr.calls)
}

func TestExtractAcceptsTIFF(t *testing.T) {
	env := newTestEnv(t)

	// TIFF has no entry in the stdlib sniffing table, so both byte-order
	// signatures need their own detection path.
	for name, magic := range map[string][]byte{
		"little endian": []byte("II*\x00"),
		"big endian":    []byte("MM\x00*"),
	} {
		t.Run(name, func(t *testing.T) {
			payload := append(append([]byte{}, magic...), bytes.Repeat([]byte{0}, 64)...)
			body, contentType := multipartBody(t, "file", "scan.tiff", payload, nil)
			req := httptest.NewRequest(http.MethodPost, "/ocr/extract", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set(headerAPIKey, env.secret)

			w := env.do(t, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestSniffImageType(t *testing.T) {
	assert.Equal(t, "image/tiff", sniffImageType([]byte("II*\x00rest")))
	assert.Equal(t, "image/tiff", sniffImageType([]byte("MM\x00*rest")))
	assert.Equal(t, "image/png", sniffImageType(pngBytes))
	assert.NotEqual(t, "image/tiff", sniffImageType([]byte("II")))
}

func TestExtractHOCR(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/extract/hocr", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xhtml+xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "ocr_page")
	assert.Equal(t, 1, env.ocr.calls)
}

func TestExtractHOCRValidatesLikeExtract(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/extract/hocr", map[string]string{"lang": "klingon"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodPost, "/ocr/extract/hocr", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, 0, env.ocr.calls)
}

func TestExtractRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t)
	env.server.config.MaxUploadSize = 32

	w := env.do(t, env.uploadRequest(t, "/ocr/extract", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "maximum size")
}

func TestExtractEngineFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ocr.err = errEngineDown

	w := env.do(t, env.uploadRequest(t, "/ocr/extract", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, name := range []string{"a.png", "b.png"} {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(pngBytes)
		require.NoError(t, err)
	}
	// One broken file among good ones must not fail the batch.
	part, err := mw.CreateFormFile("files", "broken.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("not an image at all"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ocr/batch", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerAPIKey, env.secret)

	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, "broken.txt", resp.Results[2].Filename)
	assert.False(t, resp.Results[2].Success)
	assert.NotEmpty(t, resp.Results[2].Error)
}

func TestBatchNoFiles(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "", "", nil, map[string]string{"lang": "eng"})
	req := httptest.NewRequest(http.MethodPost, "/ocr/batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerAPIKey, env.secret)

	w := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLanguages(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/ocr/languages", nil)
	req.Header.Set(headerAPIKey, env.secret)
	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Languages []string `json:"languages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"eng", "deu"}, resp.Languages)
}

func TestUnderstand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/understand", map[string]string{"prompt": "what is this"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "what is this", env.vlm.prompt)

	var result engine.UnderstandResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "test-vlm", result.Model)
}

func TestUnderstandPreset(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, env.uploadRequest(t, "/ocr/understand", map[string]string{"preset": "invoice"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, env.vlm.prompt, "invoice")
}

func TestUnderstandValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"no prompt or preset", nil},
		{"unknown preset", map[string]string{"preset": "nope"}},
		{"temperature out of range", map[string]string{"prompt": "p", "temperature": "3.5"}},
		{"max_tokens not positive", map[string]string{"prompt": "p", "max_tokens": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, env.uploadRequest(t, "/ocr/understand", tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestUnderstandStatus(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/ocr/understand/status", nil)
	req.Header.Set(headerAPIKey, env.secret)
	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestUnderstandPresetsList(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/ocr/understand/presets", nil)
	req.Header.Set(headerAPIKey, env.secret)
	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Presets map[string]string `json:"presets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Presets, "invoice")
	assert.Contains(t, resp.Presets, "size_chart")
}
