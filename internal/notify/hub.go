// Package notify fans capture notifications out to the log, a short
// per-session history and live WebSocket subscribers.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

const (
	DefaultRecentLimit = 32
	subscriberBuffer   = 16
	writeWait          = 10 * time.Second
	pingPeriod         = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriber struct {
	ch   chan capture.Notification
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub implements capture.Notifier. Notify never blocks: a subscriber whose
// buffer is full is disconnected.
type Hub struct {
	mu     sync.Mutex
	recent map[string][]capture.Notification
	subs   map[string]map[*subscriber]struct{}
	limit  int
	log    *slog.Logger
}

func NewHub(recentLimit int, log *slog.Logger) *Hub {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		recent: make(map[string][]capture.Notification),
		subs:   make(map[string]map[*subscriber]struct{}),
		limit:  recentLimit,
		log:    log.With("component", "notify"),
	}
}

func (h *Hub) Notify(n capture.Notification) {
	h.logNotification(n)

	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.recent[n.SessionID], n)
	if len(list) > h.limit {
		list = append([]capture.Notification(nil), list[len(list)-h.limit:]...)
	}
	h.recent[n.SessionID] = list

	for sub := range h.subs[n.SessionID] {
		select {
		case sub.ch <- n:
		default:
			h.log.Warn("dropping slow notification subscriber", "session", n.SessionID)
			delete(h.subs[n.SessionID], sub)
			sub.close()
		}
	}
}

func (h *Hub) logNotification(n capture.Notification) {
	attrs := []any{"session", n.SessionID, "kind", n.Kind, "blocking", n.Blocking}
	switch n.Severity {
	case capture.SeverityError:
		h.log.Error(n.Message, attrs...)
	case capture.SeverityWarning:
		h.log.Warn(n.Message, attrs...)
	default:
		h.log.Info(n.Message, attrs...)
	}
}

// Recent returns the retained notifications for a session, oldest first.
func (h *Hub) Recent(sessionID string) []capture.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capture.Notification(nil), h.recent[sessionID]...)
}

// Subscribe returns the session's history and a channel of what follows it.
// The channel closes when cancel is called, the subscriber falls behind, or
// the session is forgotten.
func (h *Hub) Subscribe(sessionID string) ([]capture.Notification, <-chan capture.Notification, func()) {
	sub := &subscriber{ch: make(chan capture.Notification, subscriberBuffer)}

	h.mu.Lock()
	history := append([]capture.Notification(nil), h.recent[sessionID]...)
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set := h.subs[sessionID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return history, sub.ch, cancel
}

// Forget drops a session's history and disconnects its subscribers.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.recent, sessionID)
	for sub := range h.subs[sessionID] {
		sub.close()
	}
	delete(h.subs, sessionID)
}

// ServeSession upgrades the request and streams the session's notifications
// as JSON text frames, history first.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade notification stream", "session", sessionID, "error", err)
		return
	}
	defer conn.Close()

	history, ch, cancel := h.Subscribe(sessionID)
	defer cancel()

	h.log.Debug("notification subscriber connected", "session", sessionID)

	// Reads only detect the client going away.
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, n := range history {
		if err := writeNotification(conn, n); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := writeNotification(conn, n); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeNotification(conn *websocket.Conn, n capture.Notification) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(n)
}
