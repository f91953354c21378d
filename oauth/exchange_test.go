package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invox/backend"
	"invox/events"
	"invox/models"
	"invox/storage"
)

// The backend answers the code exchange with nothing but the linked address.
func TestExchangeAgainstBackendAddressOnlyAnswer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/email-config/gmail/auth-url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.GmailAuthURL{AuthURL: "https://accounts.google.com/o/oauth2/auth", State: "abc123"})
	})
	mux.HandleFunc("/api/v1/email-config/gmail/callback", func(w http.ResponseWriter, r *http.Request) {
		var req models.GmailCallbackRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "auth-code", req.Code)
		assert.Equal(t, "abc123", req.State)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email_address":"user@gmail.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := storage.NewMemoryCredentialStore()
	require.NoError(t, creds.SetToken("token"))
	gw := backend.New(creds, backend.Options{BaseURL: srv.URL + "/api/v1"})

	session := storage.NewSessionStore(0)
	defer session.Close()
	bus := events.NewBus()
	opener := OpenerFunc(func(url string, width, height int) (Window, error) {
		return &fakeWindow{}, nil
	})
	hs := New(gw, creds, session, bus, opener, Options{Origin: testOrigin})
	defer hs.Close()

	var mu sync.Mutex
	var linked []string
	f := hs.Start(context.Background(), Callbacks{
		OnSuccess: func(email string) {
			mu.Lock()
			linked = append(linked, email)
			mu.Unlock()
		},
	})
	require.Equal(t, AwaitingCallback, f.State())

	bus.Publish(events.WindowMessage, models.WindowMessage{
		Origin: testOrigin,
		Type:   models.MessageGmailCallback,
		Code:   "auth-code",
		State:  "abc123",
	})

	res := wait(t, f)
	assert.Equal(t, Succeeded, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, "user@gmail.com", res.Email)
	mu.Lock()
	assert.Equal(t, []string{"user@gmail.com"}, linked)
	mu.Unlock()
}
