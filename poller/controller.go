// Package poller keeps the invoice list fresh. It reconciles three sources:
// manual refreshes, manual "poll now" requests and a local auto-refresh loop,
// next to the backend's own scheduled polling switch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"invox/events"
	"invox/models"
	"invox/utils"
)

var (
	// ErrNotConfigured blocks polling actions while no mailbox is configured
	ErrNotConfigured = errors.New("mailbox not configured")
	// ErrRateLimited is returned for manual polls over the per-minute budget
	ErrRateLimited = errors.New("poll requested too often")
)

// Gateway is the part of the backend the controller drives
type Gateway interface {
	Invoices(ctx context.Context, q models.InvoiceQuery) (*models.InvoiceList, error)
	PollNow(ctx context.Context) (*models.PollResult, error)
	EmailStatus(ctx context.Context) (*models.EmailStatus, error)
	PausePolling(ctx context.Context) error
	ResumePolling(ctx context.Context) error
}

// Options tune a Controller
type Options struct {
	Interval         time.Duration
	PageSize         int
	PollNowPerMinute int
	// RequestTimeout bounds each backend call made by the loop
	RequestTimeout time.Duration
}

// Status is published on events.PollingStatus whenever either switch moves
type Status struct {
	AutoRefresh bool                `json:"auto_refresh"`
	Backend     *models.EmailStatus `json:"backend,omitempty"`
}

// autoLoop is the handle of a running auto-refresh loop
type autoLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns the invoice list and the auto-refresh loop
type Controller struct {
	gw      Gateway
	bus     *events.Bus
	opts    Options
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	toggleMu sync.Mutex // serializes enable/disable including the wait
	loop     *autoLoop
	enabled  atomic.Bool
	active   int32

	mu      sync.Mutex
	list    *models.InvoiceList
	applied uint64
	status  *models.EmailStatus
	last    *Outcome

	issued      uint64
	unsubscribe func()
}

// New creates a controller. The auto-refresh loop starts disabled.
func New(gw Gateway, bus *events.Bus, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if opts.PollNowPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.PollNowPerMinute))
		burst = opts.PollNowPerMinute
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gw:      gw,
		bus:     bus,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.unsubscribe = bus.SubscribeAll(events.InvoiceEvents, c.onInvoiceEvent)
	return c
}

// onInvoiceEvent refreshes the list when someone else changed invoices.
// Events this controller published itself already come with a fresh list.
func (c *Controller) onInvoiceEvent(ev events.Event) {
	if _, own := ev.Payload.(Outcome); own {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			utils.Log.Warn("Refresh after %s failed: %v", ev.Name, err)
		}
	}()
}

// Refresh re-fetches the first page of invoices. Concurrent calls are safe;
// the most recently issued one wins even if an older one answers later.
func (c *Controller) Refresh(ctx context.Context) (*models.InvoiceList, error) {
	seq := atomic.AddUint64(&c.issued, 1)

	list, err := c.gw.Invoices(ctx, models.InvoiceQuery{Page: 1, PageSize: c.opts.PageSize})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if seq > c.applied {
		c.list = list
		c.applied = seq
	} else {
		utils.Log.Debug("Dropping stale invoice page #%d (have #%d)", seq, c.applied)
	}
	current := c.list
	c.mu.Unlock()

	c.bus.Publish(events.InvoicesRefreshed, current)
	return current, nil
}

// Invoices returns the list from the latest refresh, or nil before the first
func (c *Controller) Invoices() *models.InvoiceList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list
}

// Reset forgets everything cached for the signed-in account. Refreshes
// already in flight are dropped when they land.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.list = nil
	c.status = nil
	c.last = nil
	c.applied = atomic.LoadUint64(&c.issued)
	c.mu.Unlock()
}

// LastOutcome returns the most recent successful poll, if any
func (c *Controller) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// PollNow asks the backend to check the mailbox immediately, then refreshes
// the list. It is refused with ErrNotConfigured when the backend status says
// there is no mailbox.
func (c *Controller) PollNow(ctx context.Context) (Outcome, error) {
	if !c.limiter.Allow() {
		return Outcome{}, ErrRateLimited
	}
	return c.poll(ctx, false)
}

func (c *Controller) poll(ctx context.Context, automatic bool) (Outcome, error) {
	st, err := c.currentStatus(ctx)
	if err != nil {
		c.bus.Publish(events.PollFailed, err)
		return Outcome{}, err
	}
	if !st.Configured {
		c.bus.Publish(events.PollFailed, ErrNotConfigured)
		return Outcome{}, ErrNotConfigured
	}

	res, err := c.gw.PollNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.bus.Publish(events.PollFailed, err)
		}
		return Outcome{}, fmt.Errorf("poll now: %w", err)
	}

	outcome := Classify(res)
	outcome.Automatic = automatic

	if _, err := c.Refresh(ctx); err != nil {
		utils.Log.Warn("Invoice refresh after poll failed: %v", err)
	}

	c.mu.Lock()
	c.last = &outcome
	c.mu.Unlock()

	utils.Log.WithFields(map[string]interface{}{
		"checked": outcome.EmailsChecked,
		"created": outcome.InvoicesCreated,
		"auto":    automatic,
	}).Info("Poll complete: %s", outcome.Kind)

	if outcome.Kind == InvoicesCreated {
		c.bus.Publish(events.InvoiceCreated, outcome)
	}
	c.bus.Publish(events.PollCompleted, outcome)
	return outcome, nil
}

// EnableAutoRefresh starts the loop: one poll right away, then one per
// interval. It reports false when the loop was already running.
func (c *Controller) EnableAutoRefresh() bool {
	c.toggleMu.Lock()
	if c.loop != nil || c.ctx.Err() != nil {
		c.toggleMu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	loop := &autoLoop{cancel: cancel, done: make(chan struct{})}
	c.loop = loop
	c.enabled.Store(true)
	atomic.AddInt32(&c.active, 1)
	go c.run(ctx, loop)
	c.toggleMu.Unlock()

	utils.Log.Info("Auto-refresh enabled every %s", c.opts.Interval)
	c.publishStatus()
	return true
}

// DisableAutoRefresh stops the loop, cancels a tick in flight and waits for
// the loop to exit. It reports false when no loop was running.
func (c *Controller) DisableAutoRefresh() bool {
	c.toggleMu.Lock()
	loop := c.loop
	if loop == nil {
		c.toggleMu.Unlock()
		return false
	}
	c.loop = nil
	c.enabled.Store(false)
	loop.cancel()
	<-loop.done
	c.toggleMu.Unlock()

	utils.Log.Info("Auto-refresh disabled")
	c.publishStatus()
	return true
}

// AutoRefreshEnabled reports whether the loop is running
func (c *Controller) AutoRefreshEnabled() bool {
	return c.enabled.Load()
}

// ActiveLoops is the number of loop goroutines alive; never more than one
func (c *Controller) ActiveLoops() int {
	return int(atomic.LoadInt32(&c.active))
}

func (c *Controller) run(ctx context.Context, loop *autoLoop) {
	defer close(loop.done)
	defer atomic.AddInt32(&c.active, -1)

	c.tick(ctx)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick never lets an error or panic escape into the loop
func (c *Controller) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("auto-refresh tick panicked: %v", r)
			utils.Log.Error("%v", err)
			c.bus.Publish(events.PollFailed, err)
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if _, err := c.Status(tctx); err != nil && ctx.Err() == nil {
		utils.Log.Warn("Status refresh failed: %v", err)
	}
	if _, err := c.poll(tctx, true); err != nil && ctx.Err() == nil {
		utils.Log.Warn("Auto-refresh poll failed: %v", err)
	}
}

// Status fetches the backend polling status and caches it
func (c *Controller) Status(ctx context.Context) (*models.EmailStatus, error) {
	st, err := c.gw.EmailStatus(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	return st, nil
}

// CachedStatus returns the last fetched status without a request
func (c *Controller) CachedStatus() (*models.EmailStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.status != nil
}

// InvalidateStatus drops the cached status, e.g. after the mailbox
// configuration changed
func (c *Controller) InvalidateStatus() {
	c.mu.Lock()
	c.status = nil
	c.mu.Unlock()
}

func (c *Controller) currentStatus(ctx context.Context) (*models.EmailStatus, error) {
	if st, ok := c.CachedStatus(); ok {
		return st, nil
	}
	return c.Status(ctx)
}

// SetBackendPolling turns the backend's scheduled polling on or off and
// returns the status read back afterwards
func (c *Controller) SetBackendPolling(ctx context.Context, enabled bool) (*models.EmailStatus, error) {
	st, err := c.currentStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Configured {
		return nil, ErrNotConfigured
	}

	if enabled {
		err = c.gw.ResumePolling(ctx)
	} else {
		err = c.gw.PausePolling(ctx)
	}
	if err != nil {
		return nil, err
	}

	st, err = c.Status(ctx)
	if err != nil {
		return nil, err
	}
	c.publishStatus()
	return st, nil
}

// ToggleBackendPolling flips the backend switch based on a fresh status
func (c *Controller) ToggleBackendPolling(ctx context.Context) (*models.EmailStatus, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Configured {
		return nil, ErrNotConfigured
	}
	return c.SetBackendPolling(ctx, !st.PollingEnabled)
}

func (c *Controller) publishStatus() {
	st, _ := c.CachedStatus()
	c.bus.Publish(events.PollingStatus, Status{AutoRefresh: c.AutoRefreshEnabled(), Backend: st})
}

// Close stops the loop and detaches from the bus
func (c *Controller) Close() {
	c.DisableAutoRefresh()
	c.unsubscribe()
	c.cancel()
}
