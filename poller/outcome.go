package poller

import (
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/models"
	"invox/utils"
)

// OutcomeKind tells apart the ways a successful poll can end
type OutcomeKind string

const (
	NoNewEmails     OutcomeKind = "no_new_emails"
	NoNewInvoices   OutcomeKind = "no_new_invoices"
	InvoicesCreated OutcomeKind = "invoices_created"
)

// Outcome is what a poll reports to the user
type Outcome struct {
	Kind            OutcomeKind `json:"kind"`
	EmailsChecked   int         `json:"emails_checked"`
	InvoicesCreated int         `json:"invoices_created"`
	Errors          int         `json:"errors"`
	Status          string      `json:"status,omitempty"`
	Automatic       bool        `json:"automatic"`
	At              time.Time   `json:"at"`
}

// Classify turns a backend poll result into an Outcome
func Classify(res *models.PollResult) Outcome {
	o := Outcome{
		EmailsChecked:   res.EmailsChecked,
		InvoicesCreated: res.InvoicesCreated,
		Errors:          res.Errors,
		Status:          res.Status,
		At:              res.Timestamp,
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	switch {
	case res.InvoicesCreated > 0:
		o.Kind = InvoicesCreated
	case res.EmailsChecked > 0:
		o.Kind = NoNewInvoices
	default:
		o.Kind = NoNewEmails
	}
	return o
}

// MessageID is the bundle message describing o
func (o Outcome) MessageID() string {
	return "poll_" + string(o.Kind)
}

// Message renders o for the user
func (o Outcome) Message(loc *i18n.Localizer) string {
	data := map[string]interface{}{"Emails": o.EmailsChecked}
	switch o.Kind {
	case InvoicesCreated:
		return utils.TPlural(loc, o.MessageID(), o.InvoicesCreated, data)
	case NoNewInvoices:
		return utils.TWithData(loc, o.MessageID(), data)
	default:
		return utils.T(loc, o.MessageID())
	}
}
