package notifier

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscriber is one connected observer. Notifications are fanned into
// its send buffer; a slow subscriber is disconnected when the buffer
// overflows.
type subscriber struct {
	conn     *websocket.Conn
	send     chan Notification
	targetID string // empty subscribes to everything
}

// WebSocketSink streams notifications to connected observers.
type WebSocketSink struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int

	logger *zap.SugaredLogger
}

func NewWebSocketSink(pingInterval, pongTimeout time.Duration, sendBuffer int, logger *zap.SugaredLogger) *WebSocketSink {
	return &WebSocketSink{
		subscribers:  make(map[*subscriber]struct{}),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: 10 * time.Second,
		sendBuffer:   sendBuffer,
		logger:       logger.With("component", "websocket_sink"),
	}
}

// Deliver implements Sink.
func (s *WebSocketSink) Deliver(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subscribers {
		if sub.targetID != "" && sub.targetID != n.TargetID {
			continue
		}
		select {
		case sub.send <- n:
		default:
			s.logger.Warnw("subscriber send buffer full, dropping notification",
				"target_id", n.TargetID,
				"event", n.Event,
			)
		}
	}
}

// HandleWebSocket upgrades the request and streams notifications until
// the observer disconnects. An optional target_id query parameter
// restricts the stream to one media object.
func (s *WebSocketSink) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:     conn,
		send:     make(chan Notification, s.sendBuffer),
		targetID: r.URL.Query().Get("target_id"),
	}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	count := len(s.subscribers)
	s.mu.Unlock()

	s.logger.Infow("observer connected", "target_id", sub.targetID, "subscribers", count)

	go s.readLoop(sub)
	s.writeLoop(sub)
}

// readLoop drains inbound frames so pongs and close frames are
// processed. Observers never send application data.
func (s *WebSocketSink) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("observer read error", "error", err)
			}
			s.remove(sub)
			return
		}
	}
}

func (s *WebSocketSink) writeLoop(sub *subscriber) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	defer s.remove(sub)

	for {
		select {
		case n, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sub.conn.WriteJSON(n); err != nil {
				s.logger.Infow("observer write error", "error", err)
				return
			}

		case <-pingTicker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketSink) remove(sub *subscriber) {
	s.mu.Lock()
	if _, ok := s.subscribers[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribers, sub)
	count := len(s.subscribers)
	s.mu.Unlock()

	sub.conn.Close()
	s.logger.Infow("observer disconnected", "subscribers", count)
}

// SubscriberCount returns the number of connected observers.
func (s *WebSocketSink) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
