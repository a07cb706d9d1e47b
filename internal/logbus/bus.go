package logbus

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
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

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Bus keeps the most recent events in a fixed ring, fans them out to
// subscribers and optionally mirrors log events to a logrus logger. Slow
// subscribers lose messages rather than block publishers.
type Bus struct {
	mu      sync.RWMutex
	ring    []Message
	head    int // index of the oldest message once the ring is full
	size    int
	readers map[chan Message]struct{}
	closed  bool
	dropped atomic.Int64

	min  Level
	sink *logrus.Logger
}

type Option func(*Bus)

// WithLevel drops log events below min.
func WithLevel(min Level) Option {
	return func(b *Bus) { b.min = min }
}

// WithSink mirrors every accepted log event to l.
func WithSink(l *logrus.Logger) Option {
	return func(b *Bus) { b.sink = l }
}

func New(capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	b := &Bus{
		ring:    make([]Message, capacity),
		readers: make(map[chan Message]struct{}),
		min:     LevelDebug,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewLogrus builds a logrus logger with the formatter conventions used
// across the service.
func NewLogrus(level, format string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)
	switch ParseLevel(level) {
	case LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return l
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.readers {
		close(r)
	}
	b.readers = nil
	b.ring, b.head, b.size = nil, 0, 0
}

// Snapshot returns the buffered messages, oldest first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Bus) snapshotLocked() []Message {
	out := make([]Message, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out
}

// Dropped counts messages a full subscriber channel did not receive.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribe returns a channel of future messages and a func that ends the
// subscription. On a closed bus the channel is already closed.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	_, r, cancel := b.subscribe(buffer, false)
	return r, cancel
}

// SubscribeWithHistory is Subscribe plus the buffered messages taken under
// the same lock: every message appears either in the history or on the
// channel, never both.
func (b *Bus) SubscribeWithHistory(buffer int) ([]Message, <-chan Message, func()) {
	return b.subscribe(buffer, true)
}

func (b *Bus) subscribe(buffer int, history bool) ([]Message, <-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	r := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r)
		return nil, r, func() {}
	}
	var past []Message
	if history {
		past = b.snapshotLocked()
	}
	b.readers[r] = struct{}{}

	var once sync.Once
	return past, r, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.readers[r]; ok {
				delete(b.readers, r)
				close(r)
			}
		})
	}
}

func (b *Bus) Publish(typ string, data any) {
	if b == nil {
		return
	}
	msg := Message{Type: typ, Time: time.Now().UnixMilli(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = msg
		b.size++
	} else {
		b.ring[b.head] = msg
		b.head = (b.head + 1) % len(b.ring)
	}
	for r := range b.readers {
		select {
		case r <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Log is nil-safe so components can hold an optional bus.
func (b *Bus) Log(level, message string, fields map[string]any) {
	if b == nil {
		return
	}
	lv := ParseLevel(level)
	if lv < b.min {
		return
	}
	b.Publish("log", LogData{Level: lv.String(), Msg: message, Fields: fields})
	if b.sink != nil {
		b.mirror(lv, message, fields)
	}
}

func (b *Bus) Debug(message string, fields map[string]any) { b.Log("debug", message, fields) }
func (b *Bus) Info(message string, fields map[string]any)  { b.Log("info", message, fields) }
func (b *Bus) Warn(message string, fields map[string]any)  { b.Log("warn", message, fields) }
func (b *Bus) Error(message string, fields map[string]any) { b.Log("error", message, fields) }

func (b *Bus) mirror(lv Level, message string, fields map[string]any) {
	entry := b.sink.WithFields(logrus.Fields(fields))
	switch lv {
	case LevelDebug:
		entry.Debug(message)
	case LevelWarn:
		entry.Warn(message)
	case LevelError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
}
