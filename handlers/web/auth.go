// handlers/web/auth.go
package web

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"invox/backend"
	"invox/config"
	"invox/handlers/api"
	"invox/oauth"
	"invox/poller"
	"invox/storage"
	"invox/utils"
)

type AuthHandler struct {
	config    *config.Config
	creds     storage.CredentialStore
	gw        *backend.Gateway
	poller    *poller.Controller
	handshake *oauth.Handshake
}

// NewAuthHandler creates a new instance of AuthHandler
func NewAuthHandler(cfg *config.Config, creds storage.CredentialStore, gw *backend.Gateway, p *poller.Controller, hs *oauth.Handshake) *AuthHandler {
	return &AuthHandler{
		config:    cfg,
		creds:     creds,
		gw:        gw,
		poller:    p,
		handshake: hs,
	}
}

// ShowSignIn renders the sign-in page
func (h *AuthHandler) ShowSignIn(c *fiber.Ctx) error {
	if storage.IsAuthenticated(h.creds) {
		return c.Redirect("/dashboard")
	}
	loc := api.Localizer(c)

	data := fiber.Map{
		"Loc":       loc,
		"SignInURL": h.config.GoogleSignInURL(),
	}
	if c.Query("expired") != "" {
		data["Error"] = utils.T(loc, "session_expired")
	}
	if msg := c.Query("error"); msg != "" {
		data["Error"] = utils.T(loc, "signin_failed")
		data["Detail"] = utils.CleanDetail(msg)
	}
	return c.Render("signin", data)
}

// ShowCallback renders the page the backend redirects to after Google
// sign-in. The token arrives in the URL fragment, which only the page
// script can read; it posts the token back to StoreToken.
func (h *AuthHandler) ShowCallback(c *fiber.Ctx) error {
	return c.Render("auth_callback", fiber.Map{
		"Loc":       api.Localizer(c),
		"CSRFToken": c.Locals("csrf"),
		// Some deployments put the token in the query instead
		"Token": c.Query("token"),
	})
}

// establish stores token and caches the profile it belongs to. A token the
// backend rejects is removed again.
func (h *AuthHandler) establish(ctx context.Context, token string) error {
	if err := h.creds.SetToken(token); err != nil {
		return err
	}
	user, err := h.gw.CurrentUser(ctx)
	if err != nil {
		h.creds.RemoveToken()
		return err
	}
	if err := h.creds.SetUser(user); err != nil {
		utils.Log.Warn("Failed to cache profile: %v", err)
	}
	utils.Log.WithField("email", user.Email).Info("Signed in")
	return nil
}

// StoreToken accepts the session token from the callback page
func (h *AuthHandler) StoreToken(c *fiber.Ctx) error {
	loc := api.Localizer(c)

	var req struct {
		Token string `json:"token" form:"token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError(utils.T(loc, "invalid_request"), err)
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return utils.BadRequestError(utils.T(loc, "signin_missing_token"), nil).WithMessageID("signin_missing_token")
	}

	if err := h.establish(c.UserContext(), token); err != nil {
		return api.Fail(c, err, "signin_profile_failed")
	}

	if h.config.Polling.AutoRefreshOnStart {
		h.poller.EnableAutoRefresh()
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"redirect": "/dashboard",
	})
}

// Logout forgets the credential and stops everything that would use it
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	h.poller.DisableAutoRefresh()
	h.handshake.Close()
	if err := h.creds.RemoveToken(); err != nil {
		utils.Log.Error("Failed to clear credentials: %v", err)
	}
	h.poller.Reset()
	return c.Redirect("/signin")
}
