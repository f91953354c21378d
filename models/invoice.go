package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// InvoiceStatus is the processing status of an invoice
type InvoiceStatus string

const (
	StatusPending    InvoiceStatus = "pending"
	StatusProcessing InvoiceStatus = "processing"
	StatusCompleted  InvoiceStatus = "completed"
	StatusFailed     InvoiceStatus = "failed"
)

// ParseInvoiceStatus validates a status filter. The empty string means "any".
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	switch st := InvoiceStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status: %s", s)
	}
}

// InvoiceItem is a line item of an invoice
type InvoiceItem struct {
	ID          FlexID   `json:"id"`
	Description string   `json:"description,omitempty"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	TotalPrice  *float64 `json:"total_price,omitempty"`
}

// Invoice is an invoice with its AI-extracted fields
type Invoice struct {
	ID               FlexID        `json:"id"`
	InvoiceNumber    string        `json:"invoice_id,omitempty"`
	VendorName       string        `json:"vendor_name,omitempty"`
	AmountDue        *float64      `json:"amount_due,omitempty"`
	DueDate          string        `json:"due_date,omitempty"`
	InvoiceDate      string        `json:"invoice_date,omitempty"`
	CurrencyCode     string        `json:"currency_code,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	ConfidenceScore  float64       `json:"confidence_score"`
	OriginalFilename string        `json:"original_filename"`
	FileSize         int64         `json:"file_size,omitempty"`
	FileType         string        `json:"file_type,omitempty"`
	Status           InvoiceStatus `json:"status"`
	ProcessingError  string        `json:"processing_error,omitempty"`
	CreatedAt        Timestamp     `json:"created_at"`
	UpdatedAt        Timestamp     `json:"updated_at"`
	ProcessedAt      Timestamp     `json:"processed_at"`
	Items            []InvoiceItem `json:"items,omitempty"`
}

// NeedsReview reports whether the extraction confidence is under threshold
func (inv *Invoice) NeedsReview(threshold float64) bool {
	return inv.ConfidenceScore < threshold
}

// InvoiceList is one page of GET /invoices/
type InvoiceList struct {
	Total    int       `json:"total"`
	Invoices []Invoice `json:"invoices"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// InvoiceQuery selects a page of invoices
type InvoiceQuery struct {
	Page       int
	PageSize   int
	Status     InvoiceStatus
	VendorName string
}

// Values encodes the query for the backend; page_size is clamped to 1..100.
func (q InvoiceQuery) Values() url.Values {
	v := url.Values{}
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	switch {
	case size < 1:
		size = 10
	case size > 100:
		size = 100
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("page_size", strconv.Itoa(size))
	if q.Status != "" {
		v.Set("status_filter", string(q.Status))
	}
	if q.VendorName != "" {
		v.Set("vendor_name", q.VendorName)
	}
	return v
}

// InvoiceUpdate carries the editable invoice fields of PUT /invoices/{id}
type InvoiceUpdate struct {
	InvoiceNumber *string        `json:"invoice_id,omitempty"`
	VendorName    *string        `json:"vendor_name,omitempty"`
	AmountDue     *float64       `json:"amount_due,omitempty"`
	DueDate       *string        `json:"due_date,omitempty"`
	InvoiceDate   *string        `json:"invoice_date,omitempty"`
	CurrencyCode  *string        `json:"currency_code,omitempty"`
	Notes         *string        `json:"notes,omitempty"`
	Status        *InvoiceStatus `json:"status,omitempty"`
}

// UploadResult is the answer of POST /invoices/upload
type UploadResult struct {
	Message string  `json:"message"`
	Invoice Invoice `json:"invoice"`
}

// InvoiceStats is the answer of GET /invoices/stats
type InvoiceStats map[string]interface{}

// ExportFormat is the file format of an invoice export
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// ExportParams are the filters of GET /invoices/export
type ExportParams struct {
	Format     ExportFormat
	Status     InvoiceStatus
	StartDate  string
	EndDate    string
	MinAmount  *float64
	MaxAmount  *float64
	VendorName string
}

// Validate checks the format and date filters
func (p ExportParams) Validate() error {
	if p.Format != ExportCSV && p.Format != ExportJSON {
		return fmt.Errorf("unsupported export format %q", p.Format)
	}
	for _, d := range []string{p.StartDate, p.EndDate} {
		if d == "" {
			continue
		}
		if _, err := ParseTimestamp(d); err != nil {
			return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", d)
		}
	}
	if p.MinAmount != nil && p.MaxAmount != nil && *p.MinAmount > *p.MaxAmount {
		return fmt.Errorf("min_amount is greater than max_amount")
	}
	return nil
}

// Values encodes the filters, omitting unset ones
func (p ExportParams) Values() url.Values {
	v := url.Values{}
	v.Set("format", string(p.Format))
	if p.Status != "" {
		v.Set("status", string(p.Status))
	}
	if p.StartDate != "" {
		v.Set("start_date", p.StartDate)
	}
	if p.EndDate != "" {
		v.Set("end_date", p.EndDate)
	}
	if p.MinAmount != nil {
		v.Set("min_amount", strconv.FormatFloat(*p.MinAmount, 'f', -1, 64))
	}
	if p.MaxAmount != nil {
		v.Set("max_amount", strconv.FormatFloat(*p.MaxAmount, 'f', -1, 64))
	}
	if p.VendorName != "" {
		v.Set("vendor_name", p.VendorName)
	}
	return v
}

// DefaultFilename is used when the export response carries no filename hint
func (p ExportParams) DefaultFilename() string {
	return "invoices_export." + string(p.Format)
}

// Download is a binary response body with its resolved filename
type Download struct {
	Filename    string
	ContentType string
	Body        []byte
}
