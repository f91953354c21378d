package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invox/backend"
	"invox/config"
	"invox/events"
	"invox/mailbox"
	"invox/middleware"
	"invox/models"
	"invox/oauth"
	"invox/poller"
	"invox/storage"
	"invox/utils"
)

const testOrigin = "http://localhost:3000"

type testWindow struct{ closed atomic.Bool }

func (w *testWindow) Closed() bool { return w.closed.Load() }
func (w *testWindow) Close() error { w.closed.Store(true); return nil }

type harness struct {
	app     *fiber.App
	creds   storage.CredentialStore
	bus     *events.Bus
	poller  *poller.Controller
	mailbox *mailbox.Service
	mux     *http.ServeMux
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, utils.InitI18n())

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	bus := events.NewBus()
	creds := storage.NewMemoryCredentialStore()
	session := storage.NewSessionStore(time.Minute)
	t.Cleanup(func() { session.Close() })

	gw := backend.New(creds, backend.Options{BaseURL: srv.URL + "/api/v1"})
	p := poller.New(gw, bus, poller.Options{Interval: time.Hour, PollNowPerMinute: 60})
	t.Cleanup(p.Close)
	hs := oauth.New(gw, creds, session, bus, oauth.OpenerFunc(func(string, int, int) (oauth.Window, error) {
		return &testWindow{}, nil
	}), oauth.Options{Origin: testOrigin, ClosedCheckInterval: 5 * time.Millisecond})
	t.Cleanup(hs.Close)
	mb := mailbox.NewService(gw, session, &mailbox.IMAPProber{}, time.Hour)

	invoices := NewInvoiceHandler(gw, bus, cfg)
	t.Cleanup(invoices.Close)
	polling := NewPollingHandler(p)
	emailConfig := NewEmailConfigHandler(mb, p)
	gmail := NewGmailHandler(hs, mb, p)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(middleware.LocaleMiddleware())
	app.Get("/api/session", NewSessionHandler(creds).Get)
	app.Get("/api/invoices", invoices.List)
	app.Get("/api/invoices/stats", invoices.Stats)
	app.Get("/api/invoices/export", invoices.Export)
	app.Delete("/api/invoices/:id", invoices.Delete)
	app.Post("/api/poll-now", polling.PollNow)
	app.Get("/api/auto-refresh", polling.GetAutoRefresh)
	app.Post("/api/auto-refresh", polling.SetAutoRefresh)
	app.Post("/api/email-config", emailConfig.Save)
	app.Get("/api/email-config/providers", emailConfig.Providers)
	app.Post("/api/gmail/connect", gmail.Connect)
	app.Get("/api/gmail/flows/:id", gmail.Flow)
	app.Post("/api/gmail/flows/:id/cancel", gmail.Cancel)
	app.Get("/api/i18n/:lang", (&I18nHandler{}).GetTranslations)

	return &harness{app: app, creds: creds, bus: bus, poller: p, mailbox: mb, mux: mux}
}

func (h *harness) do(t *testing.T, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return res.StatusCode, out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestSessionReportsTokenClaims(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["authenticated"])

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "42",
		"email": "ada@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	require.NoError(t, h.creds.SetToken(token))
	require.NoError(t, h.creds.SetUser(&models.User{ID: "42", Email: "ada@example.com"}))

	code, body = h.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, false, body["expired"])
	info := body["token"].(map[string]interface{})
	assert.Equal(t, "ada@example.com", info["email"])
	assert.Equal(t, "42", info["subject"])
}

func TestPollNowWithoutMailboxIsConflict(t *testing.T) {
	h := newHarness(t)
	var polled int32
	h.mux.HandleFunc("/api/v1/email-config/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.EmailStatus{Configured: false})
	})
	h.mux.HandleFunc("/api/v1/email-config/poll-now", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polled, 1)
	})

	code, body := h.do(t, http.MethodPost, "/api/poll-now", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Email is not configured. Connect a mailbox first.", body["error"])
	assert.Zero(t, atomic.LoadInt32(&polled))
}

func TestPollNowReportsOutcome(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/api/v1/email-config/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.EmailStatus{Configured: true, PollingEnabled: true})
	})
	h.mux.HandleFunc("/api/v1/email-config/poll-now", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.PollResult{EmailsChecked: 3})
	})
	h.mux.HandleFunc("/api/v1/invoices/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.InvoiceList{Total: 0, Page: 1, PageSize: 10})
	})

	code, body := h.do(t, http.MethodPost, "/api/poll-now", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Polling complete. Checked 3 emails, no new invoices.", body["message"])
	outcome := body["outcome"].(map[string]interface{})
	assert.Equal(t, "no_new_invoices", outcome["kind"])
}

func TestPollNowIsLocalized(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/api/v1/email-config/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.EmailStatus{Configured: false})
	})

	code, body := h.do(t, http.MethodPost, "/api/poll-now?lang=ja", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEqual(t, "Email is not configured. Connect a mailbox first.", body["error"])
	assert.NotEmpty(t, body["error"])
}

func TestAutoRefreshToggleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/api/v1/email-config/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.EmailStatus{Configured: false})
	})

	code, body := h.do(t, http.MethodPost, "/api/auto-refresh", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "Auto-refresh enabled.", body["message"])

	_, body = h.do(t, http.MethodPost, "/api/auto-refresh", `{"enabled":true}`)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, 1, h.poller.ActiveLoops())

	_, body = h.do(t, http.MethodGet, "/api/auto-refresh", "")
	assert.Equal(t, true, body["enabled"])

	_, body = h.do(t, http.MethodPost, "/api/auto-refresh", `{"enabled":false}`)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, 0, h.poller.ActiveLoops())
}

func TestUnauthorizedBackendAnswerClearsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.SetToken("stale"))

	h.mux.HandleFunc("/api/v1/invoices/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]string{"detail": "Could not validate credentials"})
	})

	code, body := h.do(t, http.MethodGet, "/api/invoices", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Your session has expired. Please sign in again.", body["error"])
	assert.False(t, storage.IsAuthenticated(h.creds))
}

func TestInvoiceListFlagsLowConfidence(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/api/v1/invoices/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "completed", r.URL.Query().Get("status_filter"))
		writeJSON(w, models.InvoiceList{
			Total: 2,
			Page:  1,
			Invoices: []models.Invoice{
				{ID: "1", VendorName: "Acme", ConfidenceScore: 0.95, Status: models.StatusCompleted},
				{ID: "2", VendorName: "Globex", ConfidenceScore: 0.5, Status: models.StatusCompleted},
			},
		})
	})

	code, body := h.do(t, http.MethodGet, "/api/invoices?status=completed", "")
	require.Equal(t, http.StatusOK, code)
	list := body["invoices"].([]interface{})
	require.Len(t, list, 2)
	assert.Equal(t, false, list[0].(map[string]interface{})["needs_review"])
	assert.Equal(t, true, list[1].(map[string]interface{})["needs_review"])

	code, _ = h.do(t, http.MethodGet, "/api/invoices?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatsAreCachedUntilInvoicesChange(t *testing.T) {
	h := newHarness(t)
	var calls int32
	h.mux.HandleFunc("/api/v1/invoices/stats", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]int{"total_invoices": 4})
	})

	for i := 0; i < 3; i++ {
		code, body := h.do(t, http.MethodGet, "/api/invoices/stats", "")
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 4, body["total_invoices"])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	h.bus.Publish(events.InvoiceDeleted, "7")
	h.do(t, http.MethodGet, "/api/invoices/stats", "")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestExportKeepsBackendFilename(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/api/v1/invoices/export", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "2025-01-01", r.URL.Query().Get("start_date"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="invoices_2025.json"`)
		io.WriteString(w, `[]`)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/export?format=json&start_date=2025-01-01", nil)
	res, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Disposition"), "invoices_2025.json")
	raw, _ := io.ReadAll(res.Body)
	assert.Equal(t, "[]", string(raw))

	code, _ := h.do(t, http.MethodGet, "/api/invoices/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSaveWithoutTestIsRefused(t *testing.T) {
	h := newHarness(t)
	var created int32
	h.mux.HandleFunc("/api/v1/email-config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"detail": "Email configuration not found"})
			return
		}
		atomic.AddInt32(&created, 1)
	})

	code, body := h.do(t, http.MethodPost, "/api/email-config", `{"email_address":"ada@example.com","provider":"gmail","imap_password":"pw"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Please test the connection successfully before saving.", body["error"])
	assert.Zero(t, atomic.LoadInt32(&created))
}

func TestGmailConnectRequiresSignIn(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/gmail/connect", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Not authenticated. Please sign in first.", body["message"])
	assert.Equal(t, true, body["done"])
}

func TestGmailConnectCompletesThroughCallback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.SetToken("token"))

	h.mux.HandleFunc("/api/v1/email-config/gmail/auth-url", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.GmailAuthURL{AuthURL: "https://accounts.google.com/o/oauth2/auth", State: "abc123"})
	})
	h.mux.HandleFunc("/api/v1/email-config/gmail/callback", func(w http.ResponseWriter, r *http.Request) {
		var req models.GmailCallbackRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "abc123", req.State)
		assert.Equal(t, "the-code", req.Code)
		writeJSON(w, models.GmailCallbackResult{EmailAddress: "user@gmail.com"})
	})

	code, body := h.do(t, http.MethodPost, "/api/gmail/connect", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "Please complete the authorization in the popup window...", body["message"])
	id := body["flow"].(map[string]interface{})["id"].(string)

	h.bus.Publish(events.WindowMessage, models.WindowMessage{
		Origin: testOrigin,
		Type:   models.MessageGmailCallback,
		Code:   "the-code",
		State:  "abc123",
	})

	code, body = h.do(t, http.MethodGet, "/api/gmail/flows/"+id+"?wait=2s", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["done"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Successfully connected to user@gmail.com!", body["message"])
	assert.True(t, h.mailbox.Verified(models.EmailConfigInput{EmailAddress: "user@gmail.com"}))

	// A finished flow cannot be cancelled
	_, body = h.do(t, http.MethodPost, "/api/gmail/flows/"+id+"/cancel", "")
	assert.Equal(t, false, body["cancelled"])
}

func TestFlowBodySuccessFlag(t *testing.T) {
	require.NoError(t, utils.InitI18n())
	loc := utils.GetLocalizer("en")

	tests := map[oauth.State]bool{
		oauth.AwaitingCallback: true,
		oauth.Succeeded:        true,
		oauth.Failed:           false,
		oauth.Cancelled:        false,
	}
	for state, want := range tests {
		t.Run(string(state), func(t *testing.T) {
			body := flowBody(loc, oauth.Result{State: state, Err: oauth.ErrCancelled})
			assert.Equal(t, want, body["success"])
		})
	}
}

func TestUnknownFlowIsNotFound(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/api/gmail/flows/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Authorization flow not found", body["error"])
}

func TestTranslationsFallBackToEnglish(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodGet, "/api/i18n/xx", "")
	assert.Equal(t, "Auto-refresh enabled.", body["auto_refresh_enabled"])
	assert.Len(t, body, len(clientMessages))
}

func TestOAuthMessage(t *testing.T) {
	require.NoError(t, utils.InitI18n())
	loc := utils.GetLocalizer("en")

	tests := map[string]struct {
		result oauth.Result
		want   string
	}{
		"timeout": {
			oauth.Result{State: oauth.Cancelled, Err: oauth.ErrTimeout},
			"Authorization timed out. Please try again.",
		},
		"closed": {
			oauth.Result{State: oauth.Cancelled, Err: oauth.ErrCancelled},
			"Authorization cancelled. Please try again.",
		},
		"mismatch": {
			oauth.Result{State: oauth.Failed, Err: oauth.ErrStateMismatch},
			"Security verification failed. Please try again.",
		},
		"blocked": {
			oauth.Result{State: oauth.Failed, Err: oauth.ErrPopupBlocked},
			"Popup blocked! Please allow popups for this site and try again.",
		},
		"backend detail": {
			oauth.Result{State: oauth.Failed, Err: &backend.APIError{StatusCode: 400, Detail: "Invalid state"}},
			"OAuth authorization failed: Invalid state",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, OAuthMessage(loc, tc.result))
		})
	}
}

func TestNotificationsRenderPerSubscriber(t *testing.T) {
	require.NoError(t, utils.InitI18n())
	bus := events.NewBus()
	h := NewNotificationHandler(bus)
	defer h.Close()

	_, en := h.add(utils.GetLocalizer("en"))
	jaID, ja := h.add(utils.GetLocalizer("ja"))
	assert.Equal(t, 2, h.Subscribers())

	bus.Publish(events.PollCompleted, poller.Outcome{Kind: poller.NoNewEmails})

	gotEN := en.render(<-en.ch)
	gotJA := ja.render(<-ja.ch)
	assert.Equal(t, events.PollCompleted, gotEN.Type)
	assert.Equal(t, "Polling complete. No new emails.", gotEN.Message)
	assert.NotEqual(t, gotEN.Message, gotJA.Message)
	assert.Equal(t, gotEN.ID, gotJA.ID)

	h.remove(jaID)
	bus.Publish(events.PollFailed, errors.New("imap down"))
	failed := en.render(<-en.ch)
	assert.Equal(t, "Failed to poll emails: imap down", failed.Message)
	assert.Equal(t, 1, h.Subscribers())

	// Payloads without a notification are dropped
	bus.Publish(events.InvoicesRefreshed, 42)
	select {
	case n := <-en.ch:
		t.Fatalf("unexpected notification %s", n.Type)
	default:
	}
}
