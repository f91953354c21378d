package api

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/backend"
	"invox/mailbox"
	"invox/middleware"
	"invox/oauth"
	"invox/poller"
	"invox/utils"
)

// Localizer returns the request's localizer set by the locale middleware
func Localizer(c *fiber.Ctx) *i18n.Localizer {
	if loc, ok := c.Locals("localizer").(*i18n.Localizer); ok {
		return loc
	}
	return utils.GetLocalizer("en")
}

// ErrorMessage renders err for the user. messageID must take an {{.Error}}
// value; well-known errors get their own message instead.
func ErrorMessage(loc *i18n.Localizer, err error, messageID string) string {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return utils.T(loc, "session_expired")
	case errors.Is(err, backend.ErrUnavailable):
		return utils.T(loc, "error_network")
	case errors.Is(err, poller.ErrNotConfigured):
		return utils.T(loc, "mailbox_not_configured")
	case errors.Is(err, poller.ErrRateLimited):
		return utils.T(loc, "poll_rate_limited")
	case errors.Is(err, mailbox.ErrTestRequired):
		return utils.T(loc, "mailbox_test_required")
	case errors.Is(err, oauth.ErrFlowNotFound):
		return utils.T(loc, "flow_not_found")
	}
	if appErr, ok := utils.AsAppError(err); ok && appErr.Err == nil {
		return utils.TWithData(loc, messageID, map[string]interface{}{"Error": appErr.Message})
	}
	return utils.TWithData(loc, messageID, map[string]interface{}{"Error": backend.UserMessage(err)})
}

// Fail converts err into an AppError carrying a localized message and a
// status that keeps the backend's 4xx codes
func Fail(c *fiber.Ctx, err error, messageID string) error {
	msg := ErrorMessage(Localizer(c), err, messageID)

	code := http.StatusBadGateway
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, poller.ErrNotConfigured), errors.Is(err, mailbox.ErrTestRequired):
		code = http.StatusConflict
	case errors.Is(err, poller.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, oauth.ErrFlowNotFound):
		code = http.StatusNotFound
	default:
		if appErr, ok := utils.AsAppError(err); ok {
			code = appErr.Code
		} else if sc := backend.StatusCode(err); sc >= 400 && sc < 500 {
			code = sc
		}
	}
	return utils.NewAppError(code, msg, err).WithMessageID(messageID)
}

// badRequest is a localized 400 for malformed input
func badRequest(c *fiber.Ctx, err error) error {
	return utils.BadRequestError(utils.T(Localizer(c), "invalid_request"), err).WithMessageID("invalid_request")
}

// success answers {"success": true, "message": ...} plus extra fields
func success(c *fiber.Ctx, message string, extra fiber.Map) error {
	body := fiber.Map{"success": true}
	if message != "" {
		body["message"] = message
	}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(body)
}

// ErrorHandler answers API requests with JSON and pages with the error
// template. A lost session sends pages back to sign-in.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if appErr, ok := utils.AsAppError(err); ok {
		code = appErr.Code
		message = appErr.Message
		if code >= 500 {
			utils.Log.Error("Application error: %v", appErr)
		} else {
			utils.Log.Debug("Request error %d: %v", code, appErr)
		}
	} else if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	} else {
		utils.Log.Error("Unhandled error: %v", err)
		loc, _ := c.Locals("localizer").(*i18n.Localizer)
		message = utils.T(loc, "error_500")
	}

	if middleware.IsAPIRequest(c) {
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   message,
		})
	}
	if code == fiber.StatusUnauthorized {
		return c.Redirect("/signin?expired=1")
	}

	return c.Status(code).Render("error", fiber.Map{
		"Loc":   c.Locals("localizer"),
		"Error": message,
		"Code":  code,
	})
}
