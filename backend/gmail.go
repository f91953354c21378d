package backend

import (
	"context"
	"net/http"

	"invox/models"
)

// GmailAuthURL asks the backend for a Google consent URL and its CSRF state
func (g *Gateway) GmailAuthURL(ctx context.Context) (*models.GmailAuthURL, error) {
	var out models.GmailAuthURL
	if err := g.doJSON(ctx, http.MethodGet, "/email-config/gmail/auth-url", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeGmailCode hands the authorization code to the backend, which stores
// the resulting Gmail tokens on the mailbox configuration
func (g *Gateway) ExchangeGmailCode(ctx context.Context, code, state string) (*models.GmailCallbackResult, error) {
	var out models.GmailCallbackResult
	req := models.GmailCallbackRequest{Code: code, State: state}
	if err := g.doJSON(ctx, http.MethodPost, "/email-config/gmail/callback", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisconnectGmail revokes the stored Gmail tokens
func (g *Gateway) DisconnectGmail(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodPost, "/email-config/gmail/disconnect", nil, nil, nil)
}
