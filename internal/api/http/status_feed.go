package apihttp

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"modelswarm/internal/domain"
)

const (
	feedSnapshot = "status"
	feedStopped  = "stopped"

	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
)

type feedMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type stoppedEvent struct {
	Keys []domain.RepoKey `json:"keys,omitempty"`
	All  bool             `json:"all,omitempty"`
	N    int              `json:"stopped"`
}

type feedItem struct {
	kind    string
	payload []byte
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// statusFeed streams session snapshots and stop events to WebSocket
// subscribers. The subscriber set and the last snapshot are owned by run.
type statusFeed struct {
	subscribers map[*subscriber]struct{}
	latest      []byte

	publish   chan feedItem
	join      chan *subscriber
	leave     chan *subscriber
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newStatusFeed(logger *slog.Logger) *statusFeed {
	return &statusFeed{
		subscribers: make(map[*subscriber]struct{}),
		publish:     make(chan feedItem, 16),
		join:        make(chan *subscriber),
		leave:       make(chan *subscriber),
		closed:      make(chan struct{}),
		logger:      logger,
	}
}

func (f *statusFeed) run() {
	for {
		select {
		case <-f.closed:
			for sub := range f.subscribers {
				_ = sub.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
					time.Now().Add(2*time.Second),
				)
				f.drop(sub)
			}
			return
		case sub := <-f.join:
			f.subscribers[sub] = struct{}{}
			if f.latest != nil {
				f.offer(sub, f.latest)
			}
			f.logger.Debug("status subscriber joined", slog.Int("subscribers", len(f.subscribers)))
		case sub := <-f.leave:
			if _, ok := f.subscribers[sub]; ok {
				f.drop(sub)
				f.logger.Debug("status subscriber left", slog.Int("subscribers", len(f.subscribers)))
			}
		case item := <-f.publish:
			f.deliver(item)
		}
	}
}

// deliver fans item out. A snapshot equal to the previous one is skipped.
func (f *statusFeed) deliver(item feedItem) {
	if item.kind == feedSnapshot {
		if bytes.Equal(item.payload, f.latest) {
			return
		}
		f.latest = item.payload
	}
	for sub := range f.subscribers {
		f.offer(sub, item.payload)
	}
}

// offer queues payload for sub, dropping a subscriber that cannot keep up.
func (f *statusFeed) offer(sub *subscriber, payload []byte) {
	select {
	case sub.send <- payload:
	default:
		f.logger.Debug("slow status subscriber dropped")
		f.drop(sub)
	}
}

func (f *statusFeed) drop(sub *subscriber) {
	delete(f.subscribers, sub)
	close(sub.send)
}

// Close disconnects every subscriber and stops the feed.
func (f *statusFeed) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *statusFeed) Snapshot(statuses []domain.SessionStatus) {
	if statuses == nil {
		statuses = []domain.SessionStatus{}
	}
	f.enqueue(feedSnapshot, statuses)
}

func (f *statusFeed) Stopped(ev stoppedEvent) {
	f.enqueue(feedStopped, ev)
}

// enqueue never blocks; items are dropped while the queue is full.
func (f *statusFeed) enqueue(kind string, data interface{}) {
	payload, err := json.Marshal(feedMessage{Type: kind, Data: data})
	if err != nil {
		f.logger.Error("status feed marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case f.publish <- feedItem{kind: kind, payload: payload}:
	default:
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe upgrades r and serves the connection until either side closes.
func (f *statusFeed) subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, 32)}
	select {
	case f.join <- sub:
	case <-f.closed:
		conn.Close()
		return nil
	}
	go sub.write()
	go f.read(sub)
	return nil
}

func (sub *subscriber) write() {
	ping := time.NewTicker(feedPingPeriod)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()
	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-sub.send:
			if !ok {
				kind = websocket.CloseMessage
			} else {
				kind, data = websocket.TextMessage, msg
			}
		case <-ping.C:
			kind = websocket.PingMessage
		}
		_ = sub.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := sub.conn.WriteMessage(kind, data); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

// read only services pongs and close frames; subscribers never send data.
func (f *statusFeed) read(sub *subscriber) {
	defer func() {
		select {
		case f.leave <- sub:
		case <-f.closed:
		}
		sub.conn.Close()
	}()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
