package backend

import (
	"context"
	"net/http"

	"invox/models"
)

// ExchangeProfile trades a provider profile for a backend session token
func (g *Gateway) ExchangeProfile(ctx context.Context, profile models.OAuthProfile) (*models.TokenResponse, error) {
	var out models.TokenResponse
	if err := g.doJSON(ctx, http.MethodPost, "/auth/oauth/callback", nil, profile, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentUser returns the profile the stored token belongs to
func (g *Gateway) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := g.doJSON(ctx, http.MethodGet, "/auth/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyEmail reports whether an account exists for email
func (g *Gateway) VerifyEmail(ctx context.Context, email string) (*models.VerifyEmailResponse, error) {
	var out models.VerifyEmailResponse
	body := map[string]string{"email": email}
	if err := g.doJSON(ctx, http.MethodPost, "/auth/verify-email", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile returns the user record from /users/me
func (g *Gateway) Profile(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := g.doJSON(ctx, http.MethodGet, "/users/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateProfile changes the editable profile fields
func (g *Gateway) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.User, error) {
	var user models.User
	if err := g.doJSON(ctx, http.MethodPut, "/users/me", nil, update, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
