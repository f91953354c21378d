package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"invox/models"
)

// maxDownload bounds an export body held in memory
var maxDownload int64 = 64 << 20

// ErrDownloadTooLarge is returned instead of a truncated body
var ErrDownloadTooLarge = errors.New("download exceeds size limit")

// Invoices returns one page of invoices
func (g *Gateway) Invoices(ctx context.Context, q models.InvoiceQuery) (*models.InvoiceList, error) {
	var list models.InvoiceList
	if err := g.doJSON(ctx, http.MethodGet, "/invoices/", q.Values(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (g *Gateway) InvoiceStats(ctx context.Context) (models.InvoiceStats, error) {
	stats := models.InvoiceStats{}
	if err := g.doJSON(ctx, http.MethodGet, "/invoices/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (g *Gateway) Invoice(ctx context.Context, id string) (*models.Invoice, error) {
	var inv models.Invoice
	if err := g.doJSON(ctx, http.MethodGet, "/invoices/"+url.PathEscape(id), nil, nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (g *Gateway) UpdateInvoice(ctx context.Context, id string, update models.InvoiceUpdate) (*models.Invoice, error) {
	var inv models.Invoice
	if err := g.doJSON(ctx, http.MethodPut, "/invoices/"+url.PathEscape(id), nil, update, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (g *Gateway) DeleteInvoice(ctx context.Context, id string) error {
	return g.doJSON(ctx, http.MethodDelete, "/invoices/"+url.PathEscape(id), nil, nil, nil)
}

// UploadInvoice sends a document for extraction as multipart field "file"
func (g *Gateway) UploadInvoice(ctx context.Context, filename string, r io.Reader) (*models.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url("/invoices/upload", nil), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// ExportInvoices downloads the filtered invoice set as CSV or JSON
func (g *Gateway) ExportInvoices(ctx context.Context, p models.ExportParams) (*models.Download, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return g.Download(ctx, "/invoices/export", p.Values(), p.DefaultFilename())
}

// Download fetches a binary body. The filename comes from the response's
// Content-Disposition header, or fallback when there is none.
func (g *Gateway) Download(ctx context.Context, path string, query url.Values, fallback string) (*models.Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if int64(len(body)) > maxDownload {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrDownloadTooLarge, path, maxDownload)
	}

	name := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fallback
	}
	return &models.Download{
		Filename:    name,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

var dispositionFilename = regexp.MustCompile(`filename="?(.+)"?`)

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if m := dispositionFilename.FindStringSubmatch(header); m != nil {
			name = strings.TrimSpace(m[1])
			if i := strings.Index(name, ";"); i >= 0 {
				name = name[:i]
			}
			name = strings.Trim(name, `"' `)
		}
	}
	// never let a header pick a directory
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
