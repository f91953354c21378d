package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"invox/backend"
	"invox/config"
	"invox/events"
	"invox/models"
	"invox/utils"
)

const (
	statsKey = "invoice_stats"
	statsTTL = 30 * time.Second
)

// InvoiceHandler serves the invoice list and its mutations
type InvoiceHandler struct {
	gw     *backend.Gateway
	bus    *events.Bus
	config *config.Config

	cache       *utils.MemoryCache
	unsubscribe func()
}

// NewInvoiceHandler creates a new invoice handler. Cached stats are dropped
// whenever the invoice set may have changed.
func NewInvoiceHandler(gw *backend.Gateway, bus *events.Bus, cfg *config.Config) *InvoiceHandler {
	h := &InvoiceHandler{
		gw:     gw,
		bus:    bus,
		config: cfg,
		cache:  utils.NewMemoryCache(time.Minute),
	}
	h.unsubscribe = bus.SubscribeAll(
		append([]string{events.PollCompleted, events.SessionExpired}, events.InvoiceEvents...),
		func(events.Event) { h.cache.Delete(statsKey) },
	)
	return h
}

// Close detaches the handler from the bus
func (h *InvoiceHandler) Close() {
	h.unsubscribe()
	h.cache.Close()
}

// CachedStats returns the summary figures, fetching them at most every
// statsTTL while nothing changes
func (h *InvoiceHandler) CachedStats(ctx context.Context) (models.InvoiceStats, error) {
	if v, ok := h.cache.Get(statsKey); ok {
		return v.(models.InvoiceStats), nil
	}
	stats, err := h.gw.InvoiceStats(ctx)
	if err != nil {
		return nil, err
	}
	h.cache.Set(statsKey, stats, statsTTL)
	return stats, nil
}

// invoiceView is an invoice with its review flag resolved
type invoiceView struct {
	models.Invoice
	NeedsReview bool `json:"needs_review"`
}

func (h *InvoiceHandler) views(list []models.Invoice) []invoiceView {
	out := make([]invoiceView, len(list))
	for i := range list {
		out[i] = invoiceView{Invoice: list[i], NeedsReview: list[i].NeedsReview(h.config.UI.ConfidenceThreshold)}
	}
	return out
}

// List returns one page of invoices
func (h *InvoiceHandler) List(c *fiber.Ctx) error {
	status, err := models.ParseInvoiceStatus(c.Query("status"))
	if err != nil {
		return badRequest(c, err)
	}
	q := models.InvoiceQuery{
		Page:       c.QueryInt("page", 1),
		PageSize:   c.QueryInt("page_size", h.config.Polling.PageSize),
		Status:     status,
		VendorName: c.Query("vendor_name"),
	}

	list, err := h.gw.Invoices(c.UserContext(), q)
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"total":     list.Total,
		"page":      list.Page,
		"page_size": list.PageSize,
		"invoices":  h.views(list.Invoices),
	})
}

// Stats returns the dashboard summary figures
func (h *InvoiceHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.CachedStats(c.UserContext())
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	return c.JSON(stats)
}

// Get returns one invoice
func (h *InvoiceHandler) Get(c *fiber.Ctx) error {
	inv, err := h.gw.Invoice(c.UserContext(), c.Params("id"))
	if err != nil {
		return Fail(c, err, "request_failed")
	}
	return c.JSON(invoiceView{Invoice: *inv, NeedsReview: inv.NeedsReview(h.config.UI.ConfidenceThreshold)})
}

func optionalFloat(c *fiber.Ctx, key string) (*float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &v, nil
}

// Export streams the filtered invoices as a CSV or JSON attachment
func (h *InvoiceHandler) Export(c *fiber.Ctx) error {
	status, err := models.ParseInvoiceStatus(c.Query("status"))
	if err != nil {
		return badRequest(c, err)
	}
	minAmount, err := optionalFloat(c, "min_amount")
	if err != nil {
		return badRequest(c, err)
	}
	maxAmount, err := optionalFloat(c, "max_amount")
	if err != nil {
		return badRequest(c, err)
	}

	params := models.ExportParams{
		Format:     models.ExportFormat(c.Query("format", string(models.ExportCSV))),
		Status:     status,
		StartDate:  c.Query("start_date"),
		EndDate:    c.Query("end_date"),
		MinAmount:  minAmount,
		MaxAmount:  maxAmount,
		VendorName: c.Query("vendor_name"),
	}
	if err := params.Validate(); err != nil {
		return badRequest(c, err)
	}

	dl, err := h.gw.ExportInvoices(c.UserContext(), params)
	if err != nil {
		return Fail(c, err, "export_failed")
	}

	if dl.ContentType != "" {
		c.Set(fiber.HeaderContentType, dl.ContentType)
	}
	c.Attachment(dl.Filename)
	return c.Send(dl.Body)
}

// Upload forwards a document for extraction
func (h *InvoiceHandler) Upload(c *fiber.Ctx) error {
	loc := Localizer(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, err)
	}
	if max := h.config.UI.MaxUploadBytes; max > 0 && fh.Size > max {
		return utils.BadRequestError(
			utils.TWithData(loc, "upload_failed", map[string]interface{}{"Error": fmt.Sprintf("file exceeds %d bytes", max)}),
			nil,
		)
	}

	f, err := fh.Open()
	if err != nil {
		return badRequest(c, err)
	}
	defer f.Close()

	res, err := h.gw.UploadInvoice(c.UserContext(), fh.Filename, f)
	if err != nil {
		return Fail(c, err, "upload_failed")
	}

	h.bus.Publish(events.InvoiceCreated, res.Invoice.ID.String())
	return success(c, utils.T(loc, "upload_ok"), fiber.Map{"invoice": res.Invoice})
}

// Update edits the extracted fields of an invoice
func (h *InvoiceHandler) Update(c *fiber.Ctx) error {
	var update models.InvoiceUpdate
	if err := c.BodyParser(&update); err != nil {
		return badRequest(c, err)
	}
	if update.Status != nil {
		if _, err := models.ParseInvoiceStatus(string(*update.Status)); err != nil {
			return badRequest(c, err)
		}
	}

	id := c.Params("id")
	inv, err := h.gw.UpdateInvoice(c.UserContext(), id, update)
	if err != nil {
		return Fail(c, err, "request_failed")
	}

	h.bus.Publish(events.InvoiceUpdated, id)
	return success(c, utils.T(Localizer(c), "invoice_updated"), fiber.Map{"invoice": inv})
}

// Delete removes an invoice
func (h *InvoiceHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.gw.DeleteInvoice(c.UserContext(), id); err != nil {
		return Fail(c, err, "request_failed")
	}

	h.bus.Publish(events.InvoiceDeleted, id)
	return success(c, utils.T(Localizer(c), "invoice_deleted"), nil)
}
