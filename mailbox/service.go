// Package mailbox manages the user's mailbox configuration. A new IMAP
// configuration is only saved after its connection test passed (or after the
// Gmail OAuth flow linked the address).
package mailbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invox/backend"
	"invox/models"
	"invox/storage"
	"invox/utils"
)

// Session keys
const (
	verifiedKey      = "mailbox_verified"
	oauthVerifiedKey = "mailbox_oauth_verified"
	draftKey         = "mailbox_draft"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
)

var (
	// ErrTestRequired refuses saving a new configuration that was not tested
	ErrTestRequired = errors.New("test the connection before saving")
	// ErrConnectionFailed is a connection test the backend reported as failed
	ErrConnectionFailed = errors.New("connection test failed")
)

// Gateway is the part of the backend the service uses
type Gateway interface {
	EmailConfig(ctx context.Context) (*models.EmailConfig, error)
	CreateEmailConfig(ctx context.Context, in models.EmailConfigInput) (*models.EmailConfig, error)
	UpdateEmailConfig(ctx context.Context, in models.EmailConfigInput) (*models.EmailConfig, error)
	DeleteEmailConfig(ctx context.Context) error
	TestConnection(ctx context.Context) (*models.ConnectionTestResult, error)
	ProcessingLogs(ctx context.Context, limit int) ([]models.ProcessingLog, error)
	DisconnectGmail(ctx context.Context) error
}

// Service is the mailbox configuration workflow
type Service struct {
	gw      Gateway
	session *storage.SessionStore
	prober  Prober
	ttl     time.Duration
}

// NewService creates a Service. Verification records live in session for ttl.
func NewService(gw Gateway, session *storage.SessionStore, prober Prober, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{gw: gw, session: session, prober: prober, ttl: ttl}
}

// Providers lists the selectable providers with their IMAP endpoints
func (s *Service) Providers() []models.ProviderPreset {
	return models.ProviderPresets
}

// Current returns the stored configuration; ok is false when there is none
func (s *Service) Current(ctx context.Context) (cfg *models.EmailConfig, ok bool, err error) {
	cfg, err = s.gw.EmailConfig(ctx)
	if err != nil {
		if backend.StatusCode(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// fingerprint covers the fields a connection test depends on
func fingerprint(in models.EmailConfigInput) string {
	h := sha256.New()
	for _, f := range []string{
		strings.ToLower(in.EmailAddress),
		in.IMAPPassword,
		strings.ToLower(in.IMAPServer),
		strconv.Itoa(in.IMAPPort),
		strconv.FormatBool(in.UseSSL),
	} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func prepare(in *models.EmailConfigInput) error {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return utils.BadRequestError(err.Error(), err)
	}
	return nil
}

// Test stores the configuration with polling off and asks the backend to log
// in with it. A passing test is remembered for the exact connection fields
// tested; changing any of them requires a new test.
func (s *Service) Test(ctx context.Context, in models.EmailConfigInput) (*models.ConnectionTestResult, error) {
	s.session.Delete(verifiedKey)
	if err := prepare(&in); err != nil {
		return nil, err
	}
	in.PollingEnabled = false

	_, exists, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		_, err = s.gw.UpdateEmailConfig(ctx, in)
	} else {
		_, err = s.gw.CreateEmailConfig(ctx, in)
		if err == nil {
			s.session.SetString(draftKey, "1", s.ttl)
		}
	}
	if err != nil {
		return nil, err
	}

	res, err := s.gw.TestConnection(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrConnectionFailed, utils.CleanDetail(res.Message))
	}

	s.session.SetString(verifiedKey, fingerprint(in), s.ttl)
	utils.Log.WithField("email", in.EmailAddress).Info("Mailbox connection test passed")
	return res, nil
}

// MarkOAuthVerified records that email was linked through the Gmail OAuth
// flow, which counts as a passed connection test for that address
func (s *Service) MarkOAuthVerified(email string) {
	s.session.SetString(oauthVerifiedKey, strings.ToLower(strings.TrimSpace(email)), s.ttl)
}

// Verified reports whether in may be saved as a new configuration
func (s *Service) Verified(in models.EmailConfigInput) bool {
	in.Normalize()
	if fp, ok := s.session.GetString(verifiedKey); ok && fp == fingerprint(in) {
		return true
	}
	if email, ok := s.session.GetString(oauthVerifiedKey); ok && in.IMAPPassword == "" {
		return email == strings.ToLower(in.EmailAddress)
	}
	return false
}

// Save creates or updates the configuration. Creating (including finishing a
// configuration that so far only exists because it was tested) requires a
// passed test; editing an existing one does not.
func (s *Service) Save(ctx context.Context, in models.EmailConfigInput) (*models.EmailConfig, error) {
	if err := prepare(&in); err != nil {
		return nil, err
	}

	_, exists, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	_, draft := s.session.GetString(draftKey)

	if (!exists || draft) && !s.Verified(in) {
		return nil, ErrTestRequired
	}

	var cfg *models.EmailConfig
	if exists {
		cfg, err = s.gw.UpdateEmailConfig(ctx, in)
	} else {
		cfg, err = s.gw.CreateEmailConfig(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	s.clear()
	utils.Log.WithField("email", cfg.EmailAddress).Info("Mailbox configuration saved")
	return cfg, nil
}

// Delete removes the configuration
func (s *Service) Delete(ctx context.Context) error {
	if err := s.gw.DeleteEmailConfig(ctx); err != nil {
		return err
	}
	s.clear()
	return nil
}

// DisconnectGmail unlinks the Gmail account
func (s *Service) DisconnectGmail(ctx context.Context) error {
	if err := s.gw.DisconnectGmail(ctx); err != nil {
		return err
	}
	s.session.Delete(oauthVerifiedKey)
	return nil
}

func (s *Service) clear() {
	s.session.Delete(verifiedKey)
	s.session.Delete(oauthVerifiedKey)
	s.session.Delete(draftKey)
}

// Logs returns recent processing log entries; limit is clamped to 1..100
func (s *Service) Logs(ctx context.Context, limit int) ([]models.ProcessingLog, error) {
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	return s.gw.ProcessingLogs(ctx, limit)
}

// Probe checks an IMAP endpoint directly from this machine
func (s *Service) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error) {
	req.Server = strings.TrimSpace(req.Server)
	if req.Server == "" {
		return nil, utils.BadRequestError("an IMAP server is required", nil)
	}
	if req.Port == 0 {
		req.Port = 993
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, utils.BadRequestError(fmt.Sprintf("invalid IMAP port %d", req.Port), nil)
	}
	return s.prober.Probe(ctx, req)
}
