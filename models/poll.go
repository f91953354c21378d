package models

import "time"

// PollResult is produced by each poll-now invocation. It is never persisted
// client-side.
type PollResult struct {
	EmailsChecked   int       `json:"emails_checked"`
	InvoicesCreated int       `json:"invoices_created"`
	Errors          int       `json:"errors"`
	Status          string    `json:"status,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
