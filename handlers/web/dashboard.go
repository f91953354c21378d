package web

import (
	"github.com/gofiber/fiber/v2"

	"invox/backend"
	"invox/config"
	"invox/handlers/api"
	"invox/models"
	"invox/poller"
	"invox/storage"
	"invox/utils"
)

// DashboardHandler renders the main page
type DashboardHandler struct {
	config   *config.Config
	creds    storage.CredentialStore
	invoices *api.InvoiceHandler
	poller   *poller.Controller
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(cfg *config.Config, creds storage.CredentialStore, invoices *api.InvoiceHandler, p *poller.Controller) *DashboardHandler {
	return &DashboardHandler{config: cfg, creds: creds, invoices: invoices, poller: p}
}

// Show renders the invoice table, the stats cards and the polling switches.
// Partial failures show up as a notice; only a lost session leaves the page.
func (h *DashboardHandler) Show(c *fiber.Ctx) error {
	ctx := c.UserContext()
	loc := api.Localizer(c)
	user, _ := h.creds.GetUser()

	data := fiber.Map{
		"Loc":         loc,
		"User":        user,
		"CSRFToken":   c.Locals("csrf"),
		"Threshold":   h.config.UI.ConfidenceThreshold,
		"AutoRefresh": h.poller.AutoRefreshEnabled(),
		"Providers":   models.ProviderPresets,
	}

	var notices []string
	list, err := h.poller.Refresh(ctx)
	if err != nil {
		if backend.StatusCode(err) == fiber.StatusUnauthorized {
			return c.Redirect("/signin?expired=1")
		}
		notices = append(notices, api.ErrorMessage(loc, err, "request_failed"))
	} else {
		data["Invoices"] = list
	}

	if stats, err := h.invoices.CachedStats(ctx); err == nil {
		data["Stats"] = stats
	} else {
		utils.Log.Debug("Dashboard stats unavailable: %v", err)
	}

	if st, err := h.poller.Status(ctx); err == nil {
		data["Status"] = st
	} else {
		notices = append(notices, api.ErrorMessage(loc, err, "request_failed"))
	}
	if last, ok := h.poller.LastOutcome(); ok {
		data["LastPoll"] = last.Message(loc)
	}

	data["Notices"] = notices
	return c.Render("dashboard", data)
}
