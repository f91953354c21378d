package api

import (
	"github.com/gofiber/fiber/v2"

	"invox/poller"
	"invox/utils"
)

// PollingHandler exposes the poll-now action and both polling switches
type PollingHandler struct {
	poller *poller.Controller
}

// NewPollingHandler creates a new polling handler
func NewPollingHandler(p *poller.Controller) *PollingHandler {
	return &PollingHandler{poller: p}
}

// PollNow triggers an immediate mailbox check
func (h *PollingHandler) PollNow(c *fiber.Ctx) error {
	outcome, err := h.poller.PollNow(c.UserContext())
	if err != nil {
		return Fail(c, err, "poll_failed")
	}
	return success(c, outcome.Message(Localizer(c)), fiber.Map{
		"outcome":  outcome,
		"invoices": h.poller.Invoices(),
	})
}

// Refresh reloads the invoice list without polling the mailbox
func (h *PollingHandler) Refresh(c *fiber.Ctx) error {
	list, err := h.poller.Refresh(c.UserContext())
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	return c.JSON(list)
}

// Status reports the backend polling status and the local auto-refresh flag
func (h *PollingHandler) Status(c *fiber.Ctx) error {
	st, err := h.poller.Status(c.UserContext())
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	body := fiber.Map{
		"auto_refresh": h.poller.AutoRefreshEnabled(),
		"backend":      st,
	}
	if last, ok := h.poller.LastOutcome(); ok {
		body["last_outcome"] = last
	}
	return c.JSON(body)
}

// GetAutoRefresh reports the local auto-refresh flag
func (h *PollingHandler) GetAutoRefresh(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"enabled": h.poller.AutoRefreshEnabled()})
}

// SetAutoRefresh turns the local loop on or off. Repeating a state is a no-op.
func (h *PollingHandler) SetAutoRefresh(c *fiber.Ctx) error {
	var req struct {
		Enabled *bool `json:"enabled" form:"enabled"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, err)
		}
	}

	enabled := !h.poller.AutoRefreshEnabled()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	var changed bool
	messageID := "auto_refresh_disabled"
	if enabled {
		changed = h.poller.EnableAutoRefresh()
		messageID = "auto_refresh_enabled"
	} else {
		changed = h.poller.DisableAutoRefresh()
	}

	return success(c, utils.T(Localizer(c), messageID), fiber.Map{
		"enabled": h.poller.AutoRefreshEnabled(),
		"changed": changed,
	})
}

// ToggleBackendPolling flips the backend's scheduled polling switch
func (h *PollingHandler) ToggleBackendPolling(c *fiber.Ctx) error {
	st, err := h.poller.ToggleBackendPolling(c.UserContext())
	if err != nil {
		return Fail(c, err, "polling_toggle_failed")
	}

	messageID := "polling_paused"
	if st.PollingEnabled {
		messageID = "polling_resumed"
	}
	return success(c, utils.T(Localizer(c), messageID), fiber.Map{"status": st})
}
