package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"heartbeat_bot/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	subBuffer  = 256
)

// Handler streams the log bus to websocket clients: the buffered backlog
// first, then live messages. ?level=warn drops log entries below that level.
type Handler struct {
	bus      *logbus.Bus
	anyOrig  bool
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// NewHandler accepts clients that send no Origin header, and browser clients
// whose Origin is on allowOrigins ("*" allows all).
func NewHandler(bus *logbus.Bus, allowOrigins []string) *Handler {
	h := &Handler{bus: bus, origins: make(map[string]struct{}, len(allowOrigins))}
	for _, o := range allowOrigins {
		if o == "*" {
			h.anyOrig = true
			continue
		}
		h.origins[strings.ToLower(o)] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	minLevel := r.URL.Query().Get("level")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	backlog, live, cancel := h.bus.Follow(subBuffer)
	defer cancel()

	for _, msg := range backlog {
		if err := send(conn, msg, minLevel); err != nil {
			return
		}
	}

	gone := make(chan struct{})
	go discardReads(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-live:
			if !ok {
				return
			}
			if err := send(conn, msg, minLevel); err != nil {
				return
			}
		}
	}
}

func send(conn *websocket.Conn, msg logbus.Message, minLevel string) error {
	if !wanted(msg, minLevel) {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// discardReads keeps control frames flowing and closes gone once the client
// disconnects.
func discardReads(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wanted(msg logbus.Message, minLevel string) bool {
	if minLevel == "" {
		return true
	}
	ld, ok := msg.Data.(logbus.LogData)
	if !ok {
		return true
	}
	return logbus.AtLeast(ld.Level, minLevel)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.anyOrig {
		return true
	}
	_, ok := h.origins[strings.ToLower(origin)]
	return ok
}
