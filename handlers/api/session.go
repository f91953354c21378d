package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"invox/storage"
)

// SessionHandler reports who is signed in
type SessionHandler struct {
	creds storage.CredentialStore
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(creds storage.CredentialStore) *SessionHandler {
	return &SessionHandler{creds: creds}
}

// Get returns the cached profile and what the token says about itself.
// It never calls the backend.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	token, ok := h.creds.GetToken()
	if !ok {
		return c.JSON(fiber.Map{"authenticated": false})
	}

	body := fiber.Map{"authenticated": true}
	if user, ok := h.creds.GetUser(); ok {
		body["user"] = user
	}
	if info, err := storage.InspectToken(token); err == nil {
		body["token"] = info
		body["expired"] = info.Expired(time.Now())
	}
	return c.JSON(body)
}
