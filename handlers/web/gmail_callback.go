package web

import (
	"github.com/gofiber/fiber/v2"

	"invox/events"
	"invox/handlers/api"
	"invox/models"
	"invox/utils"
)

// GmailCallbackHandler is the redirect target of Google's consent screen.
// It hands the outcome to whichever flow is waiting and tells the user the
// window can be closed.
type GmailCallbackHandler struct {
	bus *events.Bus
}

// NewGmailCallbackHandler creates a new Gmail callback handler
func NewGmailCallbackHandler(bus *events.Bus) *GmailCallbackHandler {
	return &GmailCallbackHandler{bus: bus}
}

// callbackMessage builds the window message for the query Google sent
func callbackMessage(origin, code, state, providerErr string) models.WindowMessage {
	if providerErr != "" {
		return models.WindowMessage{Origin: origin, Type: models.MessageGmailError, Error: providerErr}
	}
	if code == "" {
		return models.WindowMessage{Origin: origin, Type: models.MessageGmailError, Error: "no authorization code received"}
	}
	return models.WindowMessage{Origin: origin, Type: models.MessageGmailCallback, Code: code, State: state}
}

// Handle publishes the callback on the bus. The origin is the one this
// request was served from, so a flow configured for another origin ignores it.
func (h *GmailCallbackHandler) Handle(c *fiber.Ctx) error {
	loc := api.Localizer(c)

	providerErr := c.Query("error_description", c.Query("error"))
	msg := callbackMessage(c.BaseURL(), c.Query("code"), c.Query("state"), providerErr)
	h.bus.Publish(events.WindowMessage, msg)

	data := fiber.Map{
		"Loc":     loc,
		"Success": msg.Type == models.MessageGmailCallback,
		"Message": utils.T(loc, "gmail_callback_done"),
	}
	if msg.Type == models.MessageGmailError {
		data["Message"] = utils.TWithData(loc, "gmail_callback_error", map[string]interface{}{"Error": utils.CleanDetail(msg.Error)})
	}
	return c.Render("gmail_callback", data, "")
}
