package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/adminauth"
	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/database"
)

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"

	ctxKeyAdmission = "admission"
	ctxKeyAdminUser = "admin_user"
)

// requestIDMiddleware propagates or generates a request ID so every log line
// of a request can be correlated.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(headerRequestID, requestID)
		c.Next()
	}
}

// logRequestMiddleware emits one structured line per request.
func (s *Server) logRequestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		}
		if adm := admissionFrom(c); adm.KeyID != "" {
			fields = append(fields, zap.String("key_id", adm.KeyID))
		}
		s.logger.Info("request", fields...)
	}
}

// apiKeyMiddleware runs the admission gate. The decision is final before any
// handler work starts; denials exit here with the uniform error shapes.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(headerAPIKey)
		if secret == "" {
			// Also accept the key as a bearer token.
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				secret = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		admission, err := s.gate.Check(c.Request.Context(), secret)
		if err != nil {
			var limited *apikey.RateLimitedError
			switch {
			case errors.As(err, &limited):
				c.Header("Retry-After", strconv.Itoa(limited.RetryAfter))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":       limited.Error(),
					"retry_after": limited.RetryAfter,
				})
			default:
				// Missing, unknown, and inactive keys share one response.
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid or missing API key",
				})
			}
			return
		}

		c.Set(ctxKeyAdmission, admission)
		c.Next()
	}
}

// recordUsageMiddleware writes one usage-log entry per admitted request once
// the handler has finished, carrying the real route, status, and elapsed
// time. It runs after the gate, so denied requests never reach it.
func (s *Server) recordUsageMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if s.recorder == nil {
			return
		}
		adm := admissionFrom(c)
		if adm.KeyID == "" {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		s.recorder.Record(database.UsageEntry{
			KeyID:      adm.KeyID,
			Endpoint:   endpoint,
			StatusCode: c.Writer.Status(),
			Duration:   time.Since(start),
		})
	}
}

// adminAuthMiddleware verifies the bearer session token issued by /admin/login.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := s.issuer.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, adminauth.ErrExpired) {
				msg = "session expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(ctxKeyAdminUser, claims.Subject)
		c.Next()
	}
}

func admissionFrom(c *gin.Context) apikey.Admission {
	if v, ok := c.Get(ctxKeyAdmission); ok {
		if adm, ok := v.(apikey.Admission); ok {
			return adm
		}
	}
	return apikey.Admission{}
}
