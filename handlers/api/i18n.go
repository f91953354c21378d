package api

import (
	"github.com/gofiber/fiber/v2"

	"invox/utils"
)

// clientMessages are the message IDs the dashboard script renders itself
var clientMessages = []string{
	"oauth_pending",
	"oauth_popup_blocked",
	"oauth_cancelled",
	"oauth_timeout",
	"oauth_state_mismatch",
	"auto_refresh_enabled",
	"auto_refresh_disabled",
	"polling_paused",
	"polling_resumed",
	"poll_no_new_emails",
	"poll_rate_limited",
	"mailbox_not_configured",
	"mailbox_test_required",
	"mailbox_test_ok",
	"invoice_updated",
	"invoice_deleted",
	"upload_ok",
	"session_expired",
	"error_network",
	"error_404",
	"error_500",
}

// I18nHandler handles i18n-related requests
type I18nHandler struct{}

// GetTranslations returns translations for the client-side JavaScript
func (h *I18nHandler) GetTranslations(c *fiber.Ctx) error {
	lang := c.Params("lang")
	if !utils.IsSupportedLanguage(lang) {
		lang = "en"
	}

	localizer := utils.GetLocalizer(lang)
	translations := make(map[string]string, len(clientMessages))
	for _, id := range clientMessages {
		translations[id] = utils.T(localizer, id)
	}
	return c.JSON(translations)
}
