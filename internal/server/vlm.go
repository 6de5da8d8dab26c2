package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scantext/ocr-gateway/internal/engine"
)

func (s *Server) handleUnderstand(c *gin.Context) {
	if s.vlm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "VLM engine not configured"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload"})
		return
	}

	// Either a free-form prompt or a named preset; the preset wins when both
	// are given.
	prompt := c.PostForm("prompt")
	if name := c.PostForm("preset"); name != "" {
		if s.presets == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presets not configured"})
			return
		}
		preset, ok := s.presets.Get(name)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown preset: " + name})
			return
		}
		prompt = preset.Prompt
	}
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt or preset is required"})
		return
	}

	var opts engine.UnderstandOptions
	if v := c.PostForm("temperature"); v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil || temp < 0 || temp > 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "temperature must be a number between 0 and 2"})
			return
		}
		opts.Temperature = temp
	}
	if v := c.PostForm("max_tokens"); v != "" {
		tokens, err := strconv.Atoi(v)
		if err != nil || tokens <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must be a positive integer"})
			return
		}
		opts.MaxTokens = tokens
	}

	image, err := s.readImageFile(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.vlm.Understand(c.Request.Context(), image, prompt, opts)
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleUnderstandStatus(c *gin.Context) {
	if s.vlm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "VLM engine not configured"})
		return
	}
	c.JSON(http.StatusOK, s.vlm.Status(c.Request.Context()))
}

func (s *Server) handleUnderstandPresets(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presets not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": s.presets.Describe()})
}
