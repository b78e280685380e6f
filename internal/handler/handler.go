// Package handler serves the read-only operations surface of the bank service.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/Estacio-S/Shibashito/internal/middleware"
	"github.com/Estacio-S/Shibashito/internal/projection"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AccountReader reads committed account state; *ledger.Ledger satisfies it
type AccountReader interface {
	Account(ctx context.Context, id string) (*domain.Account, error)
}

// ViewReader reads the projected balance; *projection.ReadModel satisfies it
type ViewReader interface {
	Balance(ctx context.Context, accountID string) (*projection.View, error)
}

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// Handler contains all HTTP handlers
type Handler struct {
	accounts AccountReader
	views    ViewReader
	checks   map[string]Check
	timeout  time.Duration
}

// NewHandler creates a handler. checks are run by /healthz, keyed by dependency name.
func NewHandler(accounts AccountReader, views ViewReader, checks map[string]Check) *Handler {
	return &Handler{
		accounts: accounts,
		views:    views,
		checks:   checks,
		timeout:  2 * time.Second,
	}
}

// NewRouter builds the gin engine with tracing and metrics middleware
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Tracing(), middleware.Metrics("/metrics"))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/accounts/:id", h.GetAccount)
	v1.GET("/accounts/:id/view", h.GetAccountView)
	return r
}

// AccountResponse is the response body for account reads
type AccountResponse struct {
	AccountID string    `json:"accountId"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetAccount handles GET /v1/accounts/:id from the ledger
func (h *Handler) GetAccount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	acc, err := h.accounts.Account(ctx, c.Param("id"))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "account read failed", "account_id", c.Param("id"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		return
	}

	c.JSON(http.StatusOK, AccountResponse{
		AccountID: acc.ID,
		Balance:   acc.Balance.StringFixed(2),
		Version:   acc.Version,
		UpdatedAt: acc.UpdatedAt,
	})
}

// GetAccountView handles GET /v1/accounts/:id/view from the read model
func (h *Handler) GetAccountView(c *gin.Context) {
	if h.views == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "read model disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	view, err := h.views.Balance(ctx, c.Param("id"))
	if errors.Is(err, projection.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not projected"})
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "read model query failed", "account_id", c.Param("id"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "read model unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId":   view.AccountID,
		"balance":     view.Balance.StringFixed(2),
		"version":     view.Version,
		"lastEventId": view.LastEventID,
	})
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	c.JSON(status, gin.H{
		"status": http.StatusText(status),
		"checks": results,
	})
}
