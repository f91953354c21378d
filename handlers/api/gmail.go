package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/backend"
	"invox/mailbox"
	"invox/oauth"
	"invox/poller"
	"invox/utils"
)

// maxFlowWait caps the ?wait= long-poll of a flow lookup
const maxFlowWait = 30 * time.Second

// GmailHandler drives the Gmail authorization window
type GmailHandler struct {
	handshake *oauth.Handshake
	mailbox   *mailbox.Service
	poller    *poller.Controller
}

// NewGmailHandler creates a new Gmail handler
func NewGmailHandler(hs *oauth.Handshake, mb *mailbox.Service, p *poller.Controller) *GmailHandler {
	return &GmailHandler{handshake: hs, mailbox: mb, poller: p}
}

// OAuthMessage renders a flow result for the user
func OAuthMessage(loc *i18n.Localizer, r oauth.Result) string {
	switch r.State {
	case oauth.Succeeded:
		return utils.TWithData(loc, "oauth_connected", map[string]interface{}{"Email": r.Email})
	case oauth.Cancelled:
		if errors.Is(r.Err, oauth.ErrTimeout) {
			return utils.T(loc, "oauth_timeout")
		}
		return utils.T(loc, "oauth_cancelled")
	case oauth.Failed:
		switch {
		case errors.Is(r.Err, oauth.ErrUnauthenticated):
			return utils.T(loc, "oauth_unauthenticated")
		case errors.Is(r.Err, oauth.ErrPopupBlocked):
			return utils.T(loc, "oauth_popup_blocked")
		case errors.Is(r.Err, oauth.ErrStateMismatch):
			return utils.T(loc, "oauth_state_mismatch")
		case r.Err != nil:
			return ErrorMessage(loc, r.Err, "oauth_failed")
		}
		return utils.TWithData(loc, "oauth_failed", map[string]interface{}{"Error": ""})
	default:
		return utils.T(loc, "oauth_pending")
	}
}

func flowBody(loc *i18n.Localizer, r oauth.Result) fiber.Map {
	return fiber.Map{
		"success": !r.State.Terminal() || r.State == oauth.Succeeded,
		"flow":    r,
		"done":    r.State.Terminal(),
		"message": OAuthMessage(loc, r),
	}
}

// Connect opens the consent window and returns the flow to follow
func (h *GmailHandler) Connect(c *fiber.Ctx) error {
	flow := h.handshake.Start(c.UserContext(), oauth.Callbacks{
		OnSuccess: func(email string) {
			h.mailbox.MarkOAuthVerified(email)
			h.poller.InvalidateStatus()
		},
	})

	r := flow.Result()
	code := fiber.StatusAccepted
	switch {
	case errors.Is(r.Err, oauth.ErrUnauthenticated), errors.Is(r.Err, backend.ErrUnauthorized):
		code = fiber.StatusUnauthorized
	case r.State == oauth.Failed:
		code = fiber.StatusBadGateway
		if errors.Is(r.Err, oauth.ErrPopupBlocked) {
			code = fiber.StatusConflict
		}
	}
	return c.Status(code).JSON(flowBody(Localizer(c), r))
}

// Flow reports a flow's state. With ?wait=10s it blocks until the flow ends
// or the wait runs out.
func (h *GmailHandler) Flow(c *fiber.Ctx) error {
	flow, err := h.handshake.Flow(c.Params("id"))
	if err != nil {
		return Fail(c, err, "request_failed")
	}

	r := flow.Result()
	if raw := c.Query("wait"); raw != "" && !r.State.Terminal() {
		wait, err := time.ParseDuration(raw)
		if err != nil {
			return badRequest(c, err)
		}
		if wait > maxFlowWait {
			wait = maxFlowWait
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), wait)
		r, _ = flow.Wait(ctx)
		cancel()
	}
	return c.JSON(flowBody(Localizer(c), r))
}

// Active lists the unfinished flows
func (h *GmailHandler) Active(c *fiber.Ctx) error {
	flows := h.handshake.Active()
	out := make([]oauth.Result, len(flows))
	for i, f := range flows {
		out[i] = f.Result()
	}
	return c.JSON(out)
}

// Cancel stands in for the user closing the window
func (h *GmailHandler) Cancel(c *fiber.Ctx) error {
	flow, err := h.handshake.Flow(c.Params("id"))
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	cancelled := flow.Cancel()
	body := flowBody(Localizer(c), flow.Result())
	body["cancelled"] = cancelled
	return c.JSON(body)
}

// Disconnect unlinks the Gmail account
func (h *GmailHandler) Disconnect(c *fiber.Ctx) error {
	if err := h.mailbox.DisconnectGmail(c.UserContext()); err != nil {
		return Fail(c, err, "request_failed")
	}
	h.poller.InvalidateStatus()
	return success(c, utils.T(Localizer(c), "gmail_disconnected"), nil)
}
