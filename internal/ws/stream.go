// Package ws streams bus events to websocket clients.
package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"captcha_engine/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	backlog    = 256
)

// Stream upgrades to a websocket and forwards bus messages. Query
// parameters: types=log,captcha.solved limits the message types and
// replay=0 skips the buffered history.
type Stream struct {
	events   *logbus.Bus
	origins  []string
	upgrader websocket.Upgrader
}

func NewStream(events *logbus.Bus, origins []string) *Stream {
	s := &Stream{events: events, origins: origins}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.allowed}
	return s
}

type filter map[string]bool

func parseFilter(raw string) filter {
	f := filter{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = true
		}
	}
	return f
}

func (f filter) pass(typ string) bool { return len(f) == 0 || f[typ] }

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	only := parseFilter(q.Get("types"))
	replay := q.Get("replay") != "0"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var (
		history     []logbus.Message
		live        <-chan logbus.Message
		unsubscribe func()
	)
	if replay {
		history, live, unsubscribe = s.events.SubscribeWithHistory(backlog)
	} else {
		live, unsubscribe = s.events.Subscribe(backlog)
	}
	defer unsubscribe()

	write := func(msg logbus.Message) error {
		if !only.pass(msg.Type) {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	for _, msg := range history {
		if write(msg) != nil {
			return
		}
	}

	gone := s.watchClient(conn)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)) != nil {
				return
			}
		case msg, open := <-live:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"),
					time.Now().Add(writeWait))
				return
			}
			if write(msg) != nil {
				return
			}
		}
	}
}

// watchClient drains inbound frames so pongs and close frames are
// processed; the returned channel closes when the client goes away.
func (s *Stream) watchClient(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return gone
}

func (s *Stream) allowed(r *http.Request) bool {
	o := r.Header.Get("Origin")
	if o == "" {
		return true
	}
	for _, want := range s.origins {
		if want == "*" || strings.EqualFold(want, o) {
			return true
		}
	}
	return false
}
