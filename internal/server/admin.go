package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/database"
)

// loginAttemptsPerMinute bounds password guesses per client IP.
const loginAttemptsPerMinute = 5

// loginThrottle is a per-IP fixed minute window over login attempts. Every
// attempt counts, successful or not.
type loginThrottle struct {
	mu      sync.Mutex
	limit   int
	windows map[string]apikey.Window
	now     func() time.Time
}

func newLoginThrottle(limit int) *loginThrottle {
	return &loginThrottle{
		limit:   limit,
		windows: make(map[string]apikey.Window),
		now:     time.Now,
	}
}

func (l *loginThrottle) allow(ip string) bool {
	bucket := l.now().UTC().Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[ip]
	if w.Bucket != bucket {
		w = apikey.Window{Bucket: bucket}
	}
	if w.Count >= l.limit {
		l.windows[ip] = w
		return false
	}
	w.Count++
	l.windows[ip] = w
	return true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	if !s.logins.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	token, err := s.issuer.Issue(req.Username, req.Password)
	if err != nil {
		// One shape for every failure mode, matching the API-key gate.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	s.logger.Info("admin login", zap.String("username", req.Username))
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(s.config.SessionTTL.Seconds()),
	})
}

type createKeyRequest struct {
	Name               string `json:"name" binding:"required"`
	RateLimitPerMinute *int   `json:"rate_limit_per_minute"`
	RateLimitPerDay    *int   `json:"rate_limit_per_day"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if (req.RateLimitPerMinute != nil && *req.RateLimitPerMinute < 0) ||
		(req.RateLimitPerDay != nil && *req.RateLimitPerDay < 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate limits must not be negative"})
		return
	}

	// Absent limits take the configured defaults, stamped at creation.
	var limits *apikey.Limits
	if req.RateLimitPerMinute != nil || req.RateLimitPerDay != nil {
		limits = &apikey.Limits{
			PerMinute: s.config.DefaultRateLimitPerMinute,
			PerDay:    s.config.DefaultRateLimitPerDay,
		}
		if req.RateLimitPerMinute != nil {
			limits.PerMinute = *req.RateLimitPerMinute
		}
		if req.RateLimitPerDay != nil {
			limits.PerDay = *req.RateLimitPerDay
		}
	}

	created, err := s.store.Create(req.Name, limits)
	if err != nil {
		s.logger.Error("key creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}

	s.logger.Info("api key created",
		zap.String("key_id", created.ID),
		zap.String("name", created.Name),
		zap.String("admin", c.GetString(ctxKeyAdminUser)))
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListKeys(c *gin.Context) {
	includeInactive := c.DefaultQuery("include_inactive", "true") != "false"
	keys := s.store.List(includeInactive)
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

type updateKeyRequest struct {
	Name               *string `json:"name"`
	RateLimitPerMinute *int    `json:"rate_limit_per_minute"`
	RateLimitPerDay    *int    `json:"rate_limit_per_day"`
	IsActive           *bool   `json:"is_active"`
}

func (s *Server) handleUpdateKey(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if (req.RateLimitPerMinute != nil && *req.RateLimitPerMinute < 0) ||
		(req.RateLimitPerDay != nil && *req.RateLimitPerDay < 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate limits must not be negative"})
		return
	}

	info, err := s.store.Update(c.Param("id"), apikey.Update{
		Name:               req.Name,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
		IsActive:           req.IsActive,
	})
	if err != nil {
		keyStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleToggleKey(c *gin.Context) {
	key, err := s.store.Get(c.Param("id"))
	if err != nil {
		keyStoreError(c, err)
		return
	}

	active := !key.Snapshot().IsActive
	info, err := s.store.Update(key.Snapshot().ID, apikey.Update{IsActive: &active})
	if err != nil {
		keyStoreError(c, err)
		return
	}

	s.logger.Info("api key toggled",
		zap.String("key_id", info.ID),
		zap.Bool("is_active", info.IsActive),
		zap.String("admin", c.GetString(ctxKeyAdminUser)))
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Delete(id); err != nil {
		keyStoreError(c, err)
		return
	}

	s.logger.Info("api key deleted",
		zap.String("key_id", id),
		zap.String("admin", c.GetString(ctxKeyAdminUser)))
	c.Status(http.StatusNoContent)
}

// keyStatsResponse joins the stored key metadata with usage-log counters.
type keyStatsResponse struct {
	apikey.Info
	RequestsThisHour *int `json:"requests_this_hour,omitempty"`
	RequestsToday    *int `json:"requests_today,omitempty"`
}

func (s *Server) handleKeyStats(c *gin.Context) {
	key, err := s.store.Get(c.Param("id"))
	if err != nil {
		keyStoreError(c, err)
		return
	}
	info := key.Snapshot()
	resp := keyStatsResponse{Info: info}

	if s.usageDB != nil {
		stats, err := s.usageDB.KeyStats(c.Request.Context(), info.ID, s.now())
		if err != nil {
			s.logger.Warn("usage log query failed", zap.Error(err))
		} else {
			resp.RequestsThisHour = &stats.RequestsThisHour
			resp.RequestsToday = &stats.RequestsToday
		}
	}
	c.JSON(http.StatusOK, resp)
}

// statsResponse is the overall admin stats view.
type statsResponse struct {
	TotalKeys     int                    `json:"total_keys"`
	ActiveKeys    int                    `json:"active_keys"`
	TotalRequests int64                  `json:"total_requests"`
	Usage         *database.OverallStats `json:"usage,omitempty"`
}

func (s *Server) handleStats(c *gin.Context) {
	keys := s.store.List(true)
	resp := statsResponse{TotalKeys: len(keys)}
	for _, info := range keys {
		if info.IsActive {
			resp.ActiveKeys++
		}
		resp.TotalRequests += info.TotalRequests
	}

	if s.usageDB != nil {
		usage, err := s.usageDB.Stats(c.Request.Context(), s.now())
		if err != nil {
			s.logger.Warn("usage log query failed", zap.Error(err))
		} else {
			resp.Usage = usage
		}
	}
	c.JSON(http.StatusOK, resp)
}

func keyStoreError(c *gin.Context, err error) {
	if errors.Is(err, apikey.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
