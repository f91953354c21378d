package models

import (
	"fmt"
	"strings"
)

// Provider identifies a mailbox provider
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
	ProviderICloud  Provider = "icloud"
	ProviderCustom  Provider = "custom"
)

// ProviderPreset is the IMAP endpoint a provider is pre-filled with
type ProviderPreset struct {
	Provider Provider `json:"value"`
	Label    string   `json:"label"`
	IMAPHost string   `json:"imap"`
	IMAPPort int      `json:"port"`
}

// ProviderPresets lists the selectable providers in display order
var ProviderPresets = []ProviderPreset{
	{ProviderGmail, "Gmail", "imap.gmail.com", 993},
	{ProviderOutlook, "Outlook/Hotmail", "outlook.office365.com", 993},
	{ProviderYahoo, "Yahoo", "imap.mail.yahoo.com", 993},
	{ProviderICloud, "iCloud", "imap.mail.me.com", 993},
	{ProviderCustom, "Custom IMAP", "", 993},
}

// ParseProvider validates a provider name
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, preset := range ProviderPresets {
		if preset.Provider == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown email provider %q", s)
}

// Preset returns the preset for p
func (p Provider) Preset() (ProviderPreset, bool) {
	for _, preset := range ProviderPresets {
		if preset.Provider == p {
			return preset, true
		}
	}
	return ProviderPreset{}, false
}

// EmailConfigInput is the body of POST/PUT /email-config
type EmailConfigInput struct {
	EmailAddress           string   `json:"email_address"`
	Provider               Provider `json:"provider"`
	IMAPServer             string   `json:"imap_server,omitempty"`
	IMAPPort               int      `json:"imap_port,omitempty"`
	IMAPUsername           string   `json:"imap_username,omitempty"`
	IMAPPassword           string   `json:"imap_password,omitempty"`
	UseSSL                 bool     `json:"use_ssl"`
	PollingEnabled         bool     `json:"polling_enabled"`
	PollingIntervalMinutes int      `json:"polling_interval_minutes"`
	FolderToWatch          string   `json:"folder_to_watch"`
	MarkAsRead             bool     `json:"mark_as_read"`
}

// Normalize fills defaults the way the configuration form does: the provider
// preset's IMAP endpoint, the email address as IMAP username, INBOX, and a
// polling interval inside the backend's accepted 1..60 minute range.
func (in *EmailConfigInput) Normalize() {
	in.EmailAddress = strings.TrimSpace(in.EmailAddress)
	if in.Provider == "" {
		in.Provider = ProviderGmail
	}
	if preset, ok := in.Provider.Preset(); ok && in.Provider != ProviderCustom {
		if in.IMAPServer == "" {
			in.IMAPServer = preset.IMAPHost
		}
		if in.IMAPPort == 0 {
			in.IMAPPort = preset.IMAPPort
		}
	}
	if in.IMAPPort == 0 {
		in.IMAPPort = 993
	}
	if in.IMAPUsername == "" {
		in.IMAPUsername = in.EmailAddress
	}
	if in.FolderToWatch == "" {
		in.FolderToWatch = "INBOX"
	}
	switch {
	case in.PollingIntervalMinutes < 1:
		in.PollingIntervalMinutes = 1
	case in.PollingIntervalMinutes > 60:
		in.PollingIntervalMinutes = 60
	}
}

// Validate checks the fields the backend would reject
func (in *EmailConfigInput) Validate() error {
	if in.EmailAddress == "" || !strings.Contains(in.EmailAddress, "@") {
		return fmt.Errorf("a valid email address is required")
	}
	if _, err := ParseProvider(string(in.Provider)); err != nil {
		return err
	}
	if in.IMAPServer == "" {
		return fmt.Errorf("an IMAP server is required for provider %s", in.Provider)
	}
	if in.IMAPPort < 1 || in.IMAPPort > 65535 {
		return fmt.Errorf("invalid IMAP port %d", in.IMAPPort)
	}
	return nil
}

// IsGmail reports whether the address can use the Gmail OAuth flow
func (in *EmailConfigInput) IsGmail() bool {
	return strings.HasSuffix(strings.ToLower(in.EmailAddress), "@gmail.com")
}

// EmailConfig is the stored mailbox configuration. There is at most one per user.
type EmailConfig struct {
	ID                     FlexID    `json:"id"`
	UserID                 FlexID    `json:"user_id"`
	EmailAddress           string    `json:"email_address"`
	Provider               Provider  `json:"provider"`
	IMAPServer             string    `json:"imap_server,omitempty"`
	IMAPPort               int       `json:"imap_port,omitempty"`
	IMAPUsername           string    `json:"imap_username,omitempty"`
	UseSSL                 bool      `json:"use_ssl"`
	PollingEnabled         bool      `json:"polling_enabled"`
	PollingIntervalMinutes int       `json:"polling_interval_minutes"`
	FolderToWatch          string    `json:"folder_to_watch"`
	MarkAsRead             bool      `json:"mark_as_read"`
	OAuthTokenExpiry       Timestamp `json:"oauth_token_expiry"`
	LastPollTime           Timestamp `json:"last_poll_time"`
	LastPollStatus         string    `json:"last_poll_status,omitempty"`
	IsActive               bool      `json:"is_active"`
	LastError              string    `json:"last_error,omitempty"`
	CreatedAt              Timestamp `json:"created_at"`
	UpdatedAt              Timestamp `json:"updated_at"`
}

// EmailStatus is the answer of GET /email-config/status. PollingEnabled is
// the backend-side switch, independent of the local auto-refresh loop.
type EmailStatus struct {
	Configured             bool      `json:"configured"`
	PollingEnabled         bool      `json:"polling_enabled"`
	EmailAddress           string    `json:"email_address,omitempty"`
	FolderToWatch          string    `json:"folder_to_watch,omitempty"`
	PollingIntervalMinutes int       `json:"polling_interval_minutes,omitempty"`
	LastPollTime           Timestamp `json:"last_poll_time"`
	LastPollStatus         string    `json:"last_poll_status,omitempty"`
	Message                string    `json:"message,omitempty"`
}

// ConnectionTestResult is the answer of POST /email-config/test
type ConnectionTestResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Mailboxes []string `json:"mailboxes,omitempty"`
}

// ProcessingLog is one entry of GET /email-config/logs
type ProcessingLog struct {
	ID                   FlexID    `json:"id"`
	EmailSubject         string    `json:"email_subject"`
	EmailFrom            string    `json:"email_from"`
	EmailDate            Timestamp `json:"email_date"`
	AttachmentsFound     int       `json:"attachments_found"`
	AttachmentsProcessed int       `json:"attachments_processed"`
	InvoicesCreated      int       `json:"invoices_created"`
	Status               string    `json:"status"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	ProcessedAt          Timestamp `json:"processed_at"`
}
