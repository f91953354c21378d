package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/valyala/fasthttp"

	"invox/events"
	"invox/models"
	"invox/oauth"
	"invox/poller"
	"invox/utils"
)

const keepAliveInterval = 30 * time.Second

// Notification is what a dashboard tab receives over SSE or WebSocket
type Notification struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Time    time.Time   `json:"time"`
}

// note is a notification whose message is rendered per subscriber
type note struct {
	Notification
	render func(loc *i18n.Localizer) string
}

type subscriber struct {
	ch  chan note
	loc *i18n.Localizer
}

// NotificationHandler relays bus events to connected dashboard tabs
type NotificationHandler struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	unsubscribe func()
}

// NewNotificationHandler creates a handler listening on bus
func NewNotificationHandler(bus *events.Bus) *NotificationHandler {
	h := &NotificationHandler{subscribers: make(map[string]*subscriber)}
	h.unsubscribe = bus.SubscribeAll([]string{
		events.PollCompleted,
		events.PollFailed,
		events.InvoiceCreated,
		events.InvoiceUpdated,
		events.InvoiceDeleted,
		events.InvoicesRefreshed,
		events.PollingStatus,
		events.OAuthFinished,
		events.SessionExpired,
	}, h.onEvent)
	return h
}

// Close detaches the handler from the bus
func (h *NotificationHandler) Close() {
	h.unsubscribe()
}

// toNote maps a bus event onto a notification; ok is false for payloads the
// dashboard has no use for
func toNote(ev events.Event) (n note, ok bool) {
	n.Type = ev.Name
	switch p := ev.Payload.(type) {
	case poller.Outcome:
		n.Data = p
		if ev.Name == events.PollCompleted {
			n.render = p.Message
		}
	case poller.Status:
		n.Data = p
	case oauth.Result:
		n.Data = p
		n.render = func(loc *i18n.Localizer) string { return OAuthMessage(loc, p) }
	case *models.InvoiceList:
		if p == nil {
			return n, false
		}
		n.Data = fiber.Map{"total": p.Total}
	case error:
		n.render = func(loc *i18n.Localizer) string { return ErrorMessage(loc, p, "poll_failed") }
	case string:
		n.Data = fiber.Map{"invoice_id": p}
		switch ev.Name {
		case events.InvoiceUpdated:
			n.render = func(loc *i18n.Localizer) string { return utils.T(loc, "invoice_updated") }
		case events.InvoiceDeleted:
			n.render = func(loc *i18n.Localizer) string { return utils.T(loc, "invoice_deleted") }
		}
	case nil:
		if ev.Name == events.SessionExpired {
			n.render = func(loc *i18n.Localizer) string { return utils.T(loc, "session_expired") }
		}
	default:
		return n, false
	}
	return n, true
}

func (h *NotificationHandler) onEvent(ev events.Event) {
	n, ok := toNote(ev)
	if !ok {
		utils.Log.Debug("No notification for %s payload %T", ev.Name, ev.Payload)
		return
	}
	h.broadcast(n)
}

func (h *NotificationHandler) broadcast(n note) {
	n.ID = uuid.New().String()
	n.Time = time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	utils.Log.Debug("Broadcasting notification: type=%s to %d subscribers", n.Type, len(h.subscribers))
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- n:
		default:
			utils.Log.Warn("Notification channel full for subscriber %s", id)
		}
	}
}

// Subscribers is the number of connected tabs
func (h *NotificationHandler) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *NotificationHandler) add(loc *i18n.Localizer) (string, *subscriber) {
	id := uuid.New().String()
	sub := &subscriber{ch: make(chan note, 16), loc: loc}
	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()
	return id, sub
}

func (h *NotificationHandler) remove(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

func (s *subscriber) render(n note) Notification {
	out := n.Notification
	if n.render != nil {
		out.Message = n.render(s.loc)
	}
	return out
}

// HandleSSE streams notifications as Server-Sent Events
func (h *NotificationHandler) HandleSSE(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	loc := Localizer(c)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		id, sub := h.add(loc)
		utils.Log.Info("SSE subscriber connected: %s", id)
		defer func() {
			h.remove(id)
			utils.Log.Info("SSE subscriber disconnected: %s", id)
		}()

		fmt.Fprintf(w, "event: ready\ndata: {\"id\":%q}\n\n", id)
		if err := w.Flush(); err != nil {
			return
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case n := <-sub.ch:
				data, err := json.Marshal(sub.render(n))
				if err != nil {
					utils.Log.Error("Failed to encode notification: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			case <-ticker.C:
				w.WriteString(": keepalive\n\n")
			}
			// A failed flush means the client went away
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}

// HandleWebSocket pushes notifications over a WebSocket
func (h *NotificationHandler) HandleWebSocket(c *websocket.Conn) {
	loc, _ := c.Locals("localizer").(*i18n.Localizer)
	if loc == nil {
		loc = utils.GetLocalizer("en")
	}

	id, sub := h.add(loc)
	utils.Log.Info("WebSocket subscriber connected: %s", id)
	defer func() {
		h.remove(id)
		c.Close()
		utils.Log.Info("WebSocket subscriber disconnected: %s", id)
	}()

	// The dashboard never sends anything; reading only detects the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case n := <-sub.ch:
			if err := c.WriteJSON(sub.render(n)); err != nil {
				utils.Log.Error("Failed to send WebSocket notification: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}
