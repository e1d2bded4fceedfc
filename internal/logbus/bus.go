// Package logbus is the process-wide log pipeline: every component logs
// through a Bus, which keeps a bounded backlog, fans messages out to live
// subscribers and optionally mirrors log lines to a writer.
package logbus

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Bus struct {
	mu     sync.RWMutex
	ring   []Message
	next   int
	full   bool
	subs   map[chan Message]struct{}
	closed bool

	out      io.Writer
	minLevel int
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		ring: make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

// SetOutput mirrors every log message at or above minLevel to w as one text
// line. A nil writer turns mirroring off.
func (b *Bus) SetOutput(w io.Writer, minLevel string) {
	b.mu.Lock()
	b.out = w
	b.minLevel = levelRank(minLevel)
	b.mu.Unlock()
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Snapshot returns the backlog oldest first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backlog()
}

func (b *Bus) backlog() []Message {
	if !b.full {
		return append([]Message(nil), b.ring[:b.next]...)
	}
	out := make([]Message, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Subscribe delivers messages published from now on. Slow subscribers miss
// messages rather than block publishers.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	_, ch, cancel := b.subscribe(buffer, false)
	return ch, cancel
}

// Follow returns the backlog together with a subscription that starts right
// after its last message, so a reader sees every message exactly once.
func (b *Bus) Follow(buffer int) ([]Message, <-chan Message, func()) {
	return b.subscribe(buffer, true)
}

func (b *Bus) subscribe(buffer int, withBacklog bool) ([]Message, <-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	var backlog []Message
	if withBacklog {
		backlog = b.backlog()
	}
	if b.closed {
		close(ch)
		return backlog, ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return backlog, ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{Type: typ, Time: time.Now().UnixMilli(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.next] = msg
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mirror(msg)
}

func (b *Bus) mirror(msg Message) {
	if b.out == nil {
		return
	}
	ld, ok := msg.Data.(LogData)
	if !ok || levelRank(ld.Level) < b.minLevel {
		return
	}
	_, _ = io.WriteString(b.out, FormatLine(time.UnixMilli(msg.Time), ld))
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: message, Fields: fields})
}

// FormatLine renders a log entry as "time LEVEL msg k=v ..." with sorted keys.
func FormatLine(at time.Time, ld LogData) string {
	var sb strings.Builder
	sb.WriteString(at.Format("2006-01-02 15:04:05"))
	sb.WriteByte(' ')
	sb.WriteString(strings.ToUpper(ld.Level))
	sb.WriteByte(' ')
	sb.WriteString(ld.Msg)

	keys := make([]string, 0, len(ld.Fields))
	for k := range ld.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(ld.Fields[k])
		if strings.ContainsAny(v, " \t\"") {
			v = fmt.Sprintf("%q", v)
		}
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	sb.WriteByte('\n')
	return sb.String()
}

func levelRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return 0
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether level is at least as severe as threshold.
func AtLeast(level, threshold string) bool {
	return levelRank(level) >= levelRank(threshold)
}
