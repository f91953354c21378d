package models

// Cross-window message kinds posted by the Gmail callback page
const (
	MessageGmailCallback = "gmail-oauth-callback"
	MessageGmailError    = "gmail-oauth-error"
)

// WindowMessage is a message posted between windows. Origin is set by the
// transport, never by the sender.
type WindowMessage struct {
	Origin string `json:"-"`
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

// GmailAuthURL is the answer of GET /email-config/gmail/auth-url
type GmailAuthURL struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// GmailCallbackRequest is the body of POST /email-config/gmail/callback
type GmailCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// GmailCallbackResult is the answer of POST /email-config/gmail/callback
type GmailCallbackResult struct {
	Success      *bool  `json:"success,omitempty"` // absent on the plain {email_address} answer
	Message      string `json:"message,omitempty"`
	EmailAddress string `json:"email_address"`
}

// Rejected reports whether a 2xx answer still did not link a mailbox: the
// backend said success=false, or it named no address.
func (r *GmailCallbackResult) Rejected() bool {
	if r.Success != nil && !*r.Success {
		return true
	}
	return r.EmailAddress == ""
}
