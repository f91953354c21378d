package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"invox/models"
)

// EmailConfig returns the stored mailbox configuration. A user without one
// gets an *APIError with status 404.
func (g *Gateway) EmailConfig(ctx context.Context) (*models.EmailConfig, error) {
	var cfg models.EmailConfig
	if err := g.doJSON(ctx, http.MethodGet, "/email-config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateEmailConfig stores a new mailbox configuration
func (g *Gateway) CreateEmailConfig(ctx context.Context, in models.EmailConfigInput) (*models.EmailConfig, error) {
	var cfg models.EmailConfig
	if err := g.doJSON(ctx, http.MethodPost, "/email-config", nil, in, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateEmailConfig replaces the mailbox configuration
func (g *Gateway) UpdateEmailConfig(ctx context.Context, in models.EmailConfigInput) (*models.EmailConfig, error) {
	var cfg models.EmailConfig
	if err := g.doJSON(ctx, http.MethodPut, "/email-config", nil, in, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (g *Gateway) DeleteEmailConfig(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodDelete, "/email-config", nil, nil, nil)
}

// EmailStatus returns whether a mailbox is configured and whether backend
// polling is on
func (g *Gateway) EmailStatus(ctx context.Context) (*models.EmailStatus, error) {
	var st models.EmailStatus
	if err := g.doJSON(ctx, http.MethodGet, "/email-config/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TestConnection asks the backend to log in to the stored mailbox
func (g *Gateway) TestConnection(ctx context.Context) (*models.ConnectionTestResult, error) {
	var res models.ConnectionTestResult
	if err := g.doJSON(ctx, http.MethodPost, "/email-config/test", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PollNow triggers one mailbox poll on the backend
func (g *Gateway) PollNow(ctx context.Context) (*models.PollResult, error) {
	var res models.PollResult
	if err := g.doJSON(ctx, http.MethodPost, "/email-config/poll-now", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PausePolling turns the backend's scheduled polling off
func (g *Gateway) PausePolling(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodPost, "/email-config/pause", nil, nil, nil)
}

// ResumePolling turns the backend's scheduled polling on
func (g *Gateway) ResumePolling(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodPost, "/email-config/resume", nil, nil, nil)
}

// ProcessingLogs returns the most recent processing log entries
func (g *Gateway) ProcessingLogs(ctx context.Context, limit int) ([]models.ProcessingLog, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var logs []models.ProcessingLog
	if err := g.doJSON(ctx, http.MethodGet, "/email-config/logs", query, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
