package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invox/events"
	"invox/models"
	"invox/storage"
)

const testOrigin = "http://localhost:3000"

type fakeBackend struct {
	mu        sync.Mutex
	states    []string
	authErr   error
	authCalls int32

	exchangeCalls int32
	exchangeGate  chan struct{}
	exchangeRes   *models.GmailCallbackResult
	exchangeErr   error
}

func (b *fakeBackend) GmailAuthURL(ctx context.Context) (*models.GmailAuthURL, error) {
	atomic.AddInt32(&b.authCalls, 1)
	if b.authErr != nil {
		return nil, b.authErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state := "abc123"
	if len(b.states) > 0 {
		state, b.states = b.states[0], b.states[1:]
	}
	return &models.GmailAuthURL{AuthURL: "https://accounts.google.com/o/oauth2/auth?state=" + state, State: state}, nil
}

func (b *fakeBackend) ExchangeGmailCode(ctx context.Context, code, state string) (*models.GmailCallbackResult, error) {
	atomic.AddInt32(&b.exchangeCalls, 1)
	if b.exchangeGate != nil {
		select {
		case <-b.exchangeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.exchangeErr != nil {
		return nil, b.exchangeErr
	}
	if b.exchangeRes != nil {
		return b.exchangeRes, nil
	}
	return &models.GmailCallbackResult{EmailAddress: "user@gmail.com"}, nil
}

type fakeWindow struct {
	mu     sync.Mutex
	closed bool
	closes int
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closes++
	return nil
}

type fixture struct {
	backend *fakeBackend
	creds   storage.CredentialStore
	session *storage.SessionStore
	bus     *events.Bus
	windows []*fakeWindow
	hs      *Handshake

	successes []string
	failures  []error
	mu        sync.Mutex
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fx := &fixture{
		backend: &fakeBackend{},
		creds:   storage.NewMemoryCredentialStore(),
		session: storage.NewSessionStore(0),
		bus:     events.NewBus(),
	}
	require.NoError(t, fx.creds.SetToken("token"))

	opener := OpenerFunc(func(url string, width, height int) (Window, error) {
		assert.Equal(t, 600, width)
		assert.Equal(t, 700, height)
		w := &fakeWindow{}
		fx.mu.Lock()
		fx.windows = append(fx.windows, w)
		fx.mu.Unlock()
		return w, nil
	})

	opts.Origin = testOrigin
	if opts.ClosedCheckInterval == 0 {
		opts.ClosedCheckInterval = 5 * time.Millisecond
	}
	fx.hs = New(fx.backend, fx.creds, fx.session, fx.bus, opener, opts)
	t.Cleanup(fx.hs.Close)
	return fx
}

func (fx *fixture) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(email string) {
			fx.mu.Lock()
			fx.successes = append(fx.successes, email)
			fx.mu.Unlock()
		},
		OnError: func(err error) {
			fx.mu.Lock()
			fx.failures = append(fx.failures, err)
			fx.mu.Unlock()
		},
	}
}

func (fx *fixture) post(msg models.WindowMessage) {
	if msg.Origin == "" {
		msg.Origin = testOrigin
	}
	fx.bus.Publish(events.WindowMessage, msg)
}

func (fx *fixture) window(i int) *fakeWindow {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.windows[i]
}

func wait(t *testing.T, f *Flow) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, _ := f.Wait(ctx)
	require.NoError(t, ctx.Err(), "flow did not finish")
	return res
}

func TestSuccessfulHandshake(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	require.Equal(t, AwaitingCallback, f.State())
	stored, ok := fx.session.GetString(StateKey(f.ID))
	require.True(t, ok)
	assert.Equal(t, "abc123", stored)
	assert.Equal(t, 1, fx.bus.Subscribers(events.WindowMessage))

	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "auth-code", State: "abc123"})

	res := wait(t, f)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "user@gmail.com", res.Email)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"user@gmail.com"}, fx.successes)
	assert.Empty(t, fx.failures)
	assert.True(t, fx.window(0).Closed())

	assert.Equal(t, 0, fx.bus.Subscribers(events.WindowMessage))
	_, ok = fx.session.GetString(StateKey(f.ID))
	assert.False(t, ok, "state token must be removed")

	// a late duplicate has no effect
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "auth-code", State: "abc123"})
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.backend.exchangeCalls))
	assert.Len(t, fx.successes, 1)
	assert.Equal(t, Succeeded, f.State())
}

func TestStateMismatchNeverExchanges(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "auth-code", State: "xyz999"})

	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrStateMismatch))
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.backend.exchangeCalls))
	assert.Empty(t, fx.successes)
	require.Len(t, fx.failures, 1)
	assert.Equal(t, 0, fx.bus.Subscribers(events.WindowMessage))
	assert.Equal(t, 0, fx.session.Len())
}

func TestMissingStateIsMismatch(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "auth-code"})

	res := wait(t, f)
	assert.True(t, errors.Is(res.Err, ErrStateMismatch))
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.backend.exchangeCalls))
}

func TestProviderError(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailError, Error: "access_denied"})

	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrProvider))
	assert.Contains(t, res.Err.Error(), "access_denied")
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.backend.exchangeCalls))
}

func TestExchangeFailureSurfacesBackendText(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.backend.exchangeErr = errors.New("Invalid OAuth state")

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "abc123"})

	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrExchange))
	assert.Contains(t, res.Err.Error(), "Invalid OAuth state")
	assert.Empty(t, fx.successes)
}

func TestUnsuccessfulExchangeResult(t *testing.T) {
	fx := newFixture(t, Options{})
	rejected := false
	fx.backend.exchangeRes = &models.GmailCallbackResult{Success: &rejected, Message: "No refresh token", EmailAddress: "user@gmail.com"}

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "abc123"})

	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.Contains(t, res.Err.Error(), "No refresh token")
	assert.Empty(t, fx.successes)
}

func TestExchangeWithoutAddressFails(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.backend.exchangeRes = &models.GmailCallbackResult{}

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "abc123"})

	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrExchange))
}

func TestCallbackRightAfterListenerRegistration(t *testing.T) {
	fx := newFixture(t, Options{})

	// Fire the callback the moment the flow starts listening.
	posted := make(chan struct{})
	go func() {
		defer close(posted)
		deadline := time.Now().Add(time.Second)
		for fx.bus.Subscribers(events.WindowMessage) == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Microsecond)
		}
		fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "abc123"})
	}()

	f := fx.hs.Start(context.Background(), fx.callbacks())
	<-posted

	res := wait(t, f)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "user@gmail.com", res.Email)
	assert.Equal(t, 0, fx.bus.Subscribers(events.WindowMessage))
}

func TestUnauthenticatedFailsFast(t *testing.T) {
	fx := newFixture(t, Options{})
	require.NoError(t, fx.creds.RemoveToken())

	f := fx.hs.Start(context.Background(), fx.callbacks())
	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrUnauthenticated))
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.backend.authCalls))
	assert.Empty(t, fx.windows)
}

func TestAuthURLFailure(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.backend.authErr = errors.New("Email configuration not found")

	f := fx.hs.Start(context.Background(), fx.callbacks())
	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.Contains(t, res.Err.Error(), "Email configuration not found")
	assert.Empty(t, fx.windows)
}

func TestPopupBlocked(t *testing.T) {
	bus := events.NewBus()
	session := storage.NewSessionStore(0)
	creds := storage.NewMemoryCredentialStore()
	require.NoError(t, creds.SetToken("token"))

	blocked := OpenerFunc(func(string, int, int) (Window, error) { return nil, nil })
	hs := New(&fakeBackend{}, creds, session, bus, blocked, Options{Origin: testOrigin})

	f := hs.Start(context.Background(), Callbacks{})
	res := wait(t, f)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, ErrPopupBlocked))
	assert.Equal(t, 0, bus.Subscribers(events.WindowMessage))
	assert.Equal(t, 0, session.Len())
}

func TestClosedWindowCancels(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.window(0).Close()

	res := wait(t, f)
	assert.Equal(t, Cancelled, res.State)
	assert.True(t, errors.Is(res.Err, ErrCancelled))
	assert.Equal(t, 0, fx.bus.Subscribers(events.WindowMessage))
}

func TestClosingDuringExchangeDoesNotCancel(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.backend.exchangeGate = make(chan struct{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "abc123"})

	// the callback page closes itself right after posting
	fx.window(0).Close()
	assert.False(t, f.Cancel())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, AwaitingCallback, f.State())

	close(fx.backend.exchangeGate)
	res := wait(t, f)
	assert.Equal(t, Succeeded, res.State)
	assert.Empty(t, fx.failures)
	assert.Len(t, fx.successes, 1)
}

func TestForeignOriginIgnored(t *testing.T) {
	fx := newFixture(t, Options{})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	fx.post(models.WindowMessage{Origin: "https://evil.example", Type: models.MessageGmailCallback, Code: "c", State: "abc123"})
	fx.post(models.WindowMessage{Origin: "https://evil.example", Type: models.MessageGmailError, Error: "x"})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, AwaitingCallback, f.State())
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.backend.exchangeCalls))

	assert.True(t, f.Cancel())
	assert.Equal(t, Cancelled, wait(t, f).State)
	assert.False(t, f.Cancel())
}

func TestPopupTimeout(t *testing.T) {
	fx := newFixture(t, Options{PopupTimeout: 30 * time.Millisecond})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	res := wait(t, f)
	assert.Equal(t, Cancelled, res.State)
	assert.True(t, errors.Is(res.Err, ErrTimeout))
}

func TestRepeatedFlowsLeakNoListeners(t *testing.T) {
	fx := newFixture(t, Options{})

	for i := 0; i < 5; i++ {
		f := fx.hs.Start(context.Background(), fx.callbacks())
		require.True(t, f.Cancel())
		wait(t, f)
	}
	assert.Equal(t, 0, fx.bus.Subscribers(events.WindowMessage))
	assert.Equal(t, 0, fx.session.Len())
	assert.Empty(t, fx.hs.Active())
}

func TestConcurrentFlowsActOnTheirOwnState(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.backend.states = []string{"state-a", "state-b"}

	a := fx.hs.Start(context.Background(), fx.callbacks())
	b := fx.hs.Start(context.Background(), fx.callbacks())
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, fx.bus.Subscribers(events.WindowMessage))

	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "state-a"})
	assert.Equal(t, Succeeded, wait(t, a).State)
	assert.Equal(t, AwaitingCallback, b.State())

	fx.post(models.WindowMessage{Type: models.MessageGmailCallback, Code: "c", State: "xyz999"})
	res := wait(t, b)
	assert.True(t, errors.Is(res.Err, ErrStateMismatch))
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.backend.exchangeCalls))
}

func TestFlowLookupAndFinishedEvent(t *testing.T) {
	fx := newFixture(t, Options{})
	var finished []Result
	fx.bus.Subscribe(events.OAuthFinished, func(ev events.Event) {
		finished = append(finished, ev.Payload.(Result))
	})

	f := fx.hs.Start(context.Background(), fx.callbacks())
	got, err := fx.hs.Flow(f.ID)
	require.NoError(t, err)
	assert.Same(t, f, got)

	_, err = fx.hs.Flow("missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	f.Cancel()
	wait(t, f)
	require.Len(t, finished, 1)
	assert.Equal(t, Cancelled, finished[0].State)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(Idle, AwaitingAuthorizationURL))
	assert.False(t, canTransition(Idle, Succeeded))
	assert.False(t, canTransition(PopupOpen, Succeeded))
	for _, terminal := range []State{Succeeded, Failed, Cancelled} {
		assert.True(t, terminal.Terminal())
		for _, to := range []State{Idle, AwaitingCallback, Succeeded, Failed, Cancelled} {
			assert.False(t, canTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}
