package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/storage"
	"invox/utils"
)

// IsAPIRequest reports whether c expects JSON rather than a page
func IsAPIRequest(c *fiber.Ctx) bool {
	if c == nil {
		return false
	}
	if c.Get("HX-Request") != "" || c.Is("json") {
		return true
	}
	return strings.HasPrefix(c.Path(), "/api")
}

// RequireAuth lets a request through only while the credential store holds
// a token. API calls get a 401, pages are redirected to the sign-in page.
func RequireAuth(creds storage.CredentialStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if storage.IsAuthenticated(creds) {
			return c.Next()
		}
		if IsAPIRequest(c) {
			loc, _ := c.Locals("localizer").(*i18n.Localizer)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   utils.T(loc, "oauth_unauthenticated"),
			})
		}
		return c.Redirect("/signin")
	}
}
