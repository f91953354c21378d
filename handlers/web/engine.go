package web

import (
	"fmt"
	"strings"

	"github.com/gofiber/template/html/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/models"
	"invox/utils"
)

// NewEngine loads the page templates under dir with the helpers they use
func NewEngine(dir string) *html.Engine {
	engine := html.New(dir, ".html")

	engine.AddFunc("lower", strings.ToLower)
	engine.AddFunc("upper", strings.ToUpper)
	engine.AddFunc("trim", strings.TrimSpace)

	// i18n template functions; pages pass their localizer as .Loc
	engine.AddFunc("t", func(loc *i18n.Localizer, messageID string) string {
		return utils.T(loc, messageID)
	})
	engine.AddFunc("tWithData", func(loc *i18n.Localizer, messageID string, data map[string]interface{}) string {
		return utils.TWithData(loc, messageID, data)
	})

	engine.AddFunc("formatDate", func(t models.Timestamp) string {
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format("Jan 02, 2006")
	})
	engine.AddFunc("formatDateTime", func(t models.Timestamp) string {
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format("Jan 02, 2006 15:04")
	})
	engine.AddFunc("formatAmount", func(amount *float64, currency string) string {
		if amount == nil {
			return "-"
		}
		if currency == "" {
			currency = "USD"
		}
		return fmt.Sprintf("%s %.2f", currency, *amount)
	})
	engine.AddFunc("percent", func(score float64) string {
		return fmt.Sprintf("%.0f%%", score*100)
	})
	engine.AddFunc("needsReview", func(inv models.Invoice, threshold float64) bool {
		return inv.NeedsReview(threshold)
	})
	engine.AddFunc("formatSize", func(size int64) string {
		const unit = 1024
		if size < unit {
			return fmt.Sprintf("%d B", size)
		}
		div, exp := int64(unit), 0
		for n := size / unit; n >= unit; n /= unit {
			div *= unit
			exp++
		}
		return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
	})

	return engine
}
