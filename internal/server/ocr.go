package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/engine"
)

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/gif":  true,
}

// readImageFile validates and reads one uploaded file. Size and content type
// are rejected before any engine work.
func (s *Server) readImageFile(header *multipart.FileHeader) ([]byte, error) {
	if header.Size > s.config.MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", s.config.MaxUploadSize)
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, s.config.MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.config.MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", s.config.MaxUploadSize)
	}

	// The declared Content-Type header is not trusted; sniff the bytes.
	contentType := sniffImageType(data)
	if !allowedImageTypes[contentType] {
		return nil, fmt.Errorf("unsupported content type %s", contentType)
	}
	return data, nil
}

// sniffImageType detects the content type from the payload. TIFF is absent
// from the stdlib sniffing list, so its two byte-order signatures are checked
// explicitly.
func sniffImageType(data []byte) string {
	if len(data) >= 4 {
		if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
			return "image/tiff"
		}
	}
	return http.DetectContentType(data)
}

func (s *Server) extractOptions(c *gin.Context) (engine.ExtractOptions, error) {
	opts := engine.ExtractOptions{
		Language: c.DefaultPostForm("lang", "eng"),
		PSM:      3,
		OEM:      3,
	}
	if !s.languageAllowed(opts.Language) {
		return opts, fmt.Errorf("language %q is not allowed", opts.Language)
	}
	if v := c.PostForm("psm"); v != "" {
		psm, err := strconv.Atoi(v)
		if err != nil || psm < 0 || psm > 13 {
			return opts, fmt.Errorf("psm must be an integer between 0 and 13")
		}
		opts.PSM = psm
	}
	if v := c.PostForm("oem"); v != "" {
		oem, err := strconv.Atoi(v)
		if err != nil || oem < 0 || oem > 3 {
			return opts, fmt.Errorf("oem must be an integer between 0 and 3")
		}
		opts.OEM = oem
	}
	return opts, nil
}

func (s *Server) languageAllowed(lang string) bool {
	for _, allowed := range s.config.AllowedLanguages {
		if lang == allowed {
			return true
		}
	}
	return false
}

// engineError maps an engine failure onto a gateway response. Unreachable
// engines are a bad gateway; a deadline hit is a gateway timeout.
func engineError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleExtract(c *gin.Context) {
	if s.ocr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OCR engine not configured"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload"})
		return
	}
	opts, err := s.extractOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, err := s.readImageFile(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.ocr.Extract(c.Request.Context(), image, opts)
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExtractDetailed(c *gin.Context) {
	if s.ocr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OCR engine not configured"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload"})
		return
	}
	opts, err := s.extractOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, err := s.readImageFile(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.ocr.ExtractDetailed(c.Request.Context(), image, opts)
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExtractHOCR(c *gin.Context) {
	if s.ocr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OCR engine not configured"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload"})
		return
	}
	opts, err := s.extractOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, err := s.readImageFile(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hocr, err := s.ocr.ExtractHOCR(c.Request.Context(), image, opts)
	if err != nil {
		engineError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xhtml+xml", []byte(hocr))
}

// BatchFileResult is the per-file outcome of a batch extraction.
type BatchFileResult struct {
	Filename string             `json:"filename"`
	Success  bool               `json:"success"`
	Error    string             `json:"error,omitempty"`
	Result   *engine.TextResult `json:"result,omitempty"`
}

// BatchResponse accounts for every file of a batch request individually.
type BatchResponse struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BatchFileResult `json:"results"`
}

func (s *Server) handleBatch(c *gin.Context) {
	if s.ocr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OCR engine not configured"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}
	opts, err := s.extractOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := BatchResponse{Total: len(files), Results: make([]BatchFileResult, 0, len(files))}
	for _, header := range files {
		entry := BatchFileResult{Filename: header.Filename}

		image, err := s.readImageFile(header)
		if err == nil {
			var result *engine.TextResult
			result, err = s.ocr.Extract(c.Request.Context(), image, opts)
			entry.Result = result
		}
		if err != nil {
			entry.Error = err.Error()
			resp.Failed++
			s.logger.Warn("batch file failed",
				zap.String("filename", header.Filename),
				zap.Error(err))
		} else {
			entry.Success = true
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, entry)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLanguages(c *gin.Context) {
	if s.ocr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OCR engine not configured"})
		return
	}

	langs, err := s.ocr.Languages(c.Request.Context())
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"languages": langs})
}
