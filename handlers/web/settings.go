package web

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"invox/backend"
	"invox/handlers/api"
	"invox/mailbox"
	"invox/models"
	"invox/storage"
	"invox/utils"
)

type SettingsHandler struct {
	creds   storage.CredentialStore
	gw      *backend.Gateway
	mailbox *mailbox.Service
}

func NewSettingsHandler(creds storage.CredentialStore, gw *backend.Gateway, mb *mailbox.Service) *SettingsHandler {
	return &SettingsHandler{creds: creds, gw: gw, mailbox: mb}
}

// ShowSettings renders the profile and the mailbox configuration
func (h *SettingsHandler) ShowSettings(c *fiber.Ctx) error {
	ctx := c.UserContext()
	loc := api.Localizer(c)

	user, err := h.gw.Profile(ctx)
	if err != nil {
		if backend.StatusCode(err) == fiber.StatusUnauthorized {
			return c.Redirect("/signin?expired=1")
		}
		// Fall back to the cached profile
		user, _ = h.creds.GetUser()
		utils.Log.Warn("Profile unavailable: %v", err)
	}

	data := fiber.Map{
		"Loc":       loc,
		"Lang":      c.Locals("lang"),
		"User":      user,
		"CSRFToken": c.Locals("csrf"),
		"Providers": h.mailbox.Providers(),
		"Saved":     c.Query("saved") != "",
	}

	if cfg, ok, err := h.mailbox.Current(ctx); err != nil {
		data["Error"] = api.ErrorMessage(loc, err, "request_failed")
	} else if ok {
		data["Config"] = cfg
		if logs, err := h.mailbox.Logs(ctx, 0); err == nil {
			data["Logs"] = logs
		}
	}

	return c.Render("settings", data)
}

// UpdateProfile saves the display name and avatar
func (h *SettingsHandler) UpdateProfile(c *fiber.Ctx) error {
	loc := api.Localizer(c)

	update := models.ProfileUpdate{
		Name:  strings.TrimSpace(c.FormValue("name")),
		Image: strings.TrimSpace(c.FormValue("image")),
	}
	if update.Name == "" {
		return utils.BadRequestError(utils.T(loc, "invalid_request"), nil)
	}

	user, err := h.gw.UpdateProfile(c.UserContext(), update)
	if err != nil {
		return api.Fail(c, err, "request_failed")
	}
	if err := h.creds.SetUser(user); err != nil {
		utils.Log.Warn("Failed to cache profile: %v", err)
	}
	return c.Redirect("/settings?saved=1")
}
