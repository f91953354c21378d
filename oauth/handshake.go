// Package oauth drives the Gmail authorization handshake: fetch a consent URL
// and state token from the backend, open a window on it, and wait for the
// callback page to post the authorization code back over the event bus.
package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"invox/events"
	"invox/models"
	"invox/storage"
	"invox/utils"
)

// StateKeyPrefix prefixes the session key holding a flow's state token
const StateKeyPrefix = "gmail_oauth_state:"

// StateKey is the session key of flow id's state token
func StateKey(flowID string) string {
	return StateKeyPrefix + flowID
}

// Backend is the part of the gateway the handshake needs
type Backend interface {
	GmailAuthURL(ctx context.Context) (*models.GmailAuthURL, error)
	ExchangeGmailCode(ctx context.Context, code, state string) (*models.GmailCallbackResult, error)
}

// Callbacks are invoked once when a flow ends. Either may be nil.
type Callbacks struct {
	OnSuccess func(email string)
	OnError   func(err error)
}

// Options tune a Handshake
type Options struct {
	// Origin is the only sender origin whose window messages are accepted
	Origin              string
	PopupWidth          int
	PopupHeight         int
	ClosedCheckInterval time.Duration
	// PopupTimeout cancels a flow left open this long; zero waits forever
	PopupTimeout time.Duration
	StateTTL     time.Duration
}

// Handshake starts and tracks authorization flows
type Handshake struct {
	backend Backend
	creds   storage.CredentialStore
	session *storage.SessionStore
	bus     *events.Bus
	opener  Opener
	opts    Options

	mu    sync.Mutex
	flows map[string]*Flow
}

// New creates a Handshake
func New(backend Backend, creds storage.CredentialStore, session *storage.SessionStore, bus *events.Bus, opener Opener, opts Options) *Handshake {
	if opts.PopupWidth <= 0 {
		opts.PopupWidth = 600
	}
	if opts.PopupHeight <= 0 {
		opts.PopupHeight = 700
	}
	if opts.ClosedCheckInterval <= 0 {
		opts.ClosedCheckInterval = time.Second
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 15 * time.Minute
	}
	return &Handshake{
		backend: backend,
		creds:   creds,
		session: session,
		bus:     bus,
		opener:  opener,
		opts:    opts,
		flows:   make(map[string]*Flow),
	}
}

// Start runs a new flow up to the point where it waits for the callback.
// Fast failures (not signed in, no consent URL, window blocked) return a flow
// that is already terminal. Every call starts an independent flow.
func (h *Handshake) Start(ctx context.Context, cb Callbacks) *Flow {
	f := h.newFlow(cb)
	log := f.log

	if err := f.advance(AwaitingAuthorizationURL); err != nil {
		log.Error("Flow could not start: %v", err)
		return f
	}

	if !storage.IsAuthenticated(h.creds) {
		f.terminate(Failed, ErrUnauthenticated, "")
		return f
	}

	auth, err := h.backend.GmailAuthURL(ctx)
	if err != nil {
		f.terminate(Failed, fmt.Errorf("failed to get authorization URL: %w", err), "")
		return f
	}
	if auth.AuthURL == "" || auth.State == "" {
		f.terminate(Failed, fmt.Errorf("%w: backend returned no authorization URL", ErrExchange), "")
		return f
	}

	if !f.persistState(auth.State) {
		return f
	}

	win, err := h.opener.Open(auth.AuthURL, h.opts.PopupWidth, h.opts.PopupHeight)
	if err != nil || win == nil {
		if err != nil {
			log.Warn("Authorization window blocked: %v", err)
		}
		f.terminate(Failed, ErrPopupBlocked, "")
		return f
	}
	f.mu.Lock()
	f.window = win
	f.mu.Unlock()

	if err := f.advance(PopupOpen); err != nil {
		win.Close()
		return f
	}

	// listen only once awaiting_callback; an exchange must start from there
	if err := f.advance(AwaitingCallback); err != nil {
		return f
	}

	unsubscribe := h.bus.Subscribe(events.WindowMessage, f.handleMessage)
	if !f.setListener(unsubscribe) {
		return f
	}

	go f.watch(h.opts.ClosedCheckInterval, h.opts.PopupTimeout)
	log.Info("Waiting for Gmail authorization")
	return f
}

func (h *Handshake) newFlow(cb Callbacks) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		h:         h,
		cb:        cb,
		state:     Idle,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	f.log = utils.Log.WithField("flow", f.ID)

	h.mu.Lock()
	h.prune()
	h.flows[f.ID] = f
	h.mu.Unlock()
	return f
}

// prune forgets finished flows older than the state TTL. Callers hold h.mu.
func (h *Handshake) prune() {
	cutoff := time.Now().Add(-h.opts.StateTTL)
	for id, f := range h.flows {
		if f.State().Terminal() && f.StartedAt.Before(cutoff) {
			delete(h.flows, id)
		}
	}
}

// Flow looks up a flow started by this handshake
func (h *Handshake) Flow(id string) (*Flow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return f, nil
}

// Active returns the flows that have not finished
func (h *Handshake) Active() []*Flow {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Flow
	for _, f := range h.flows {
		if !f.State().Terminal() {
			out = append(out, f)
		}
	}
	return out
}

// claimedByOther reports whether state was issued to a flow other than id.
// Concurrent flows all hear every callback; each acts only on its own.
func (h *Handshake) claimedByOther(id, state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for other, f := range h.flows {
		if other != id && sameState(f.expectedState(), state) {
			return true
		}
	}
	return false
}

func sameState(stored, got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(stored), []byte(got)) == 1
}

// Close cancels every unfinished flow, including ones mid-exchange
func (h *Handshake) Close() {
	for _, f := range h.Active() {
		f.terminate(Cancelled, ErrCancelled, "")
	}
}

// Flow is one run of the handshake
type Flow struct {
	ID        string
	StartedAt time.Time

	h   *Handshake
	cb  Callbacks
	log *utils.Logger

	mu          sync.Mutex
	state       State
	err         error
	email       string
	exchanging  bool
	window      Window
	unsubscribe func()
	stateStored bool
	issued      string

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	cleanup sync.Once
}

// Result is a point-in-time view of a flow
type Result struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Email     string    `json:"email,omitempty"`
	Err       error     `json:"-"`
	StartedAt time.Time `json:"started_at"`
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Result returns the flow's current state, linked address and error
func (f *Flow) Result() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Result{ID: f.ID, State: f.state, Email: f.email, Err: f.err, StartedAt: f.StartedAt}
}

// Done is closed once the flow is terminal and its callbacks have run
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the flow finishes or ctx is done
func (f *Flow) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		r := f.Result()
		return r, r.Err
	case <-ctx.Done():
		return f.Result(), ctx.Err()
	}
}

// Cancel is what happens when the user closes the window. It is ignored once
// the flow is terminal or while the code exchange is in flight.
func (f *Flow) Cancel() bool {
	return f.cancelWith(ErrCancelled)
}

func (f *Flow) cancelWith(err error) bool {
	f.mu.Lock()
	if f.exchanging || f.state.Terminal() {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()
	return f.terminate(Cancelled, err, "")
}

func (f *Flow) advance(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !canTransition(f.state, to) {
		return &TransitionError{From: f.state, To: to}
	}
	f.log.Debug("OAuth %s -> %s", f.state, to)
	f.state = to
	return nil
}

// persistState stores the state token unless the flow already ended
func (f *Flow) persistState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return false
	}
	f.h.session.SetString(StateKey(f.ID), state, f.h.opts.StateTTL)
	f.stateStored = true
	f.issued = state
	return true
}

func (f *Flow) expectedState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

func (f *Flow) setListener(unsubscribe func()) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		unsubscribe()
		return false
	}
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
	return true
}

// terminate moves the flow to a terminal state. Only the first call wins;
// the state is recorded before the window is closed so the closed-window
// watcher can never turn a success into a cancellation.
func (f *Flow) terminate(to State, err error, email string) bool {
	f.mu.Lock()
	if !canTransition(f.state, to) {
		f.mu.Unlock()
		return false
	}
	from := f.state
	f.state = to
	f.err = err
	f.email = email
	f.exchanging = false
	win := f.window
	f.mu.Unlock()

	if win != nil && !win.Closed() {
		if cerr := win.Close(); cerr != nil {
			f.log.Debug("Closing authorization window: %v", cerr)
		}
	}
	f.release()

	switch to {
	case Succeeded:
		f.log.Info("Gmail connected for %s", email)
		if f.cb.OnSuccess != nil {
			f.cb.OnSuccess(email)
		}
	default:
		f.log.Warn("OAuth flow %s -> %s: %v", from, to, err)
		if f.cb.OnError != nil {
			f.cb.OnError(err)
		}
	}

	f.h.bus.Publish(events.OAuthFinished, f.Result())
	close(f.done)
	return true
}

// release removes the listener and the state token and stops the watcher
func (f *Flow) release() {
	f.cleanup.Do(func() {
		f.mu.Lock()
		unsubscribe := f.unsubscribe
		f.unsubscribe = nil
		stored := f.stateStored
		f.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if stored {
			f.h.session.Delete(StateKey(f.ID))
		}
		close(f.stop)
		f.cancel()
	})
}

func (f *Flow) handleMessage(ev events.Event) {
	var msg models.WindowMessage
	switch p := ev.Payload.(type) {
	case models.WindowMessage:
		msg = p
	case *models.WindowMessage:
		if p == nil {
			return
		}
		msg = *p
	default:
		return
	}

	if msg.Origin != f.h.opts.Origin {
		f.log.Warn("Ignoring window message from foreign origin %q", msg.Origin)
		return
	}

	f.mu.Lock()
	if f.state.Terminal() || f.exchanging {
		f.mu.Unlock()
		return
	}

	switch msg.Type {
	case models.MessageGmailCallback:
		stored, ok := f.h.session.GetString(StateKey(f.ID))
		if !ok || !sameState(stored, msg.State) {
			f.mu.Unlock()
			if f.h.claimedByOther(f.ID, msg.State) {
				return
			}
			f.terminate(Failed, ErrStateMismatch, "")
			return
		}
		f.exchanging = true
		f.mu.Unlock()
		go f.exchange(msg.Code, msg.State)

	case models.MessageGmailError:
		f.mu.Unlock()
		detail := utils.CleanDetail(msg.Error)
		if detail == "" {
			detail = "unknown error"
		}
		f.terminate(Failed, fmt.Errorf("%w: %s", ErrProvider, detail), "")

	default:
		f.mu.Unlock()
	}
}

func (f *Flow) exchange(code, state string) {
	res, err := f.h.backend.ExchangeGmailCode(f.ctx, code, state)
	switch {
	case err != nil:
		f.terminate(Failed, fmt.Errorf("%w: %w", ErrExchange, err), "")
	case res == nil || res.Rejected():
		var msg string
		if res != nil {
			msg = utils.CleanDetail(res.Message)
		}
		if msg == "" {
			msg = "backend rejected the authorization code"
		}
		f.terminate(Failed, fmt.Errorf("%w: %s", ErrExchange, msg), "")
	default:
		f.terminate(Succeeded, nil, res.EmailAddress)
	}
}

// watch cancels the flow when its window is closed or the optional timeout
// passes
func (f *Flow) watch(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			win := f.window
			f.mu.Unlock()
			if win != nil && win.Closed() {
				f.cancelWith(ErrCancelled)
			}
		case <-expired:
			f.cancelWith(ErrTimeout)
		}
	}
}
