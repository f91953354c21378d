package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"invox/mailbox"
	"invox/models"
	"invox/poller"
	"invox/utils"
)

// EmailConfigHandler serves the mailbox configuration form
type EmailConfigHandler struct {
	mailbox *mailbox.Service
	poller  *poller.Controller
}

// NewEmailConfigHandler creates a new email configuration handler
func NewEmailConfigHandler(mb *mailbox.Service, p *poller.Controller) *EmailConfigHandler {
	return &EmailConfigHandler{mailbox: mb, poller: p}
}

// Providers lists the provider presets
func (h *EmailConfigHandler) Providers(c *fiber.Ctx) error {
	return c.JSON(h.mailbox.Providers())
}

// Get returns the stored configuration, or configured=false
func (h *EmailConfigHandler) Get(c *fiber.Ctx) error {
	cfg, ok, err := h.mailbox.Current(c.UserContext())
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	if !ok {
		return c.JSON(fiber.Map{"configured": false})
	}
	return c.JSON(fiber.Map{"configured": true, "config": cfg})
}

func parseInput(c *fiber.Ctx) (models.EmailConfigInput, error) {
	var in models.EmailConfigInput
	if err := c.BodyParser(&in); err != nil {
		return in, badRequest(c, err)
	}
	return in, nil
}

// Test stores the configuration with polling off and runs the backend's
// connection test
func (h *EmailConfigHandler) Test(c *fiber.Ctx) error {
	in, err := parseInput(c)
	if err != nil {
		return err
	}

	loc := Localizer(c)
	res, err := h.mailbox.Test(c.UserContext(), in)
	h.poller.InvalidateStatus()
	if errors.Is(err, mailbox.ErrConnectionFailed) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"message": utils.TWithData(loc, "mailbox_test_failed", map[string]interface{}{"Error": utils.CleanDetail(res.Message)}),
		})
	}
	if err != nil {
		return Fail(c, err, "mailbox_test_failed")
	}
	return success(c, utils.T(loc, "mailbox_test_ok"), fiber.Map{"mailboxes": res.Mailboxes})
}

// Save creates or updates the configuration
func (h *EmailConfigHandler) Save(c *fiber.Ctx) error {
	in, err := parseInput(c)
	if err != nil {
		return err
	}

	cfg, err := h.mailbox.Save(c.UserContext(), in)
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	h.poller.InvalidateStatus()
	return success(c, utils.T(Localizer(c), "mailbox_saved"), fiber.Map{"config": cfg})
}

// Delete removes the configuration
func (h *EmailConfigHandler) Delete(c *fiber.Ctx) error {
	if err := h.mailbox.Delete(c.UserContext()); err != nil {
		return Fail(c, err, "request_failed")
	}
	h.poller.InvalidateStatus()
	return success(c, utils.T(Localizer(c), "mailbox_deleted"), nil)
}

// Logs returns recent processing log entries
func (h *EmailConfigHandler) Logs(c *fiber.Ctx) error {
	logs, err := h.mailbox.Logs(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	return c.JSON(logs)
}

// Probe checks an IMAP endpoint from this machine before it is handed to
// the backend
func (h *EmailConfigHandler) Probe(c *fiber.Ctx) error {
	var req mailbox.ProbeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	loc := Localizer(c)
	res, err := h.mailbox.Probe(c.UserContext(), req)
	if err != nil {
		if appErr, ok := utils.AsAppError(err); ok {
			return utils.BadRequestError(appErr.Message, err)
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"message": utils.TWithData(loc, "mailbox_probe_failed", map[string]interface{}{"Error": utils.CleanDetail(err.Error())}),
		})
	}

	return success(c, utils.TWithData(loc, "mailbox_probe_ok", map[string]interface{}{"Address": res.Address}), fiber.Map{
		"result":     res,
		"latency_ms": res.Latency.Milliseconds(),
	})
}
