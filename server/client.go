package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/pulse/events"
	"github.com/teranos/fetchq/version"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Peers only send control frames and pings
	maxMessageSize = 4096
)

// Stream message types
const (
	MessageVersion  = "version"
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

// StreamMessage is one frame of the /ws event stream
type StreamMessage struct {
	Type     string            `json:"type"`
	Version  string            `json:"version,omitempty"`
	Commit   string            `json:"commit,omitempty"`
	Transfer *TransferResponse `json:"transfer,omitempty"`
	Seq      uint64            `json:"seq,omitempty"`
	Event    *async.Event      `json:"event,omitempty"`
}

// clientMessage is what peers may send; only pings are understood
type clientMessage struct {
	Type string `json:"type"`
}

// Client is one websocket subscriber. A client watching a single transfer is
// closed after that transfer's completion event.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sub       *events.Subscription[async.Event]
	id        string
	jobID     async.JobID // 0 = every transfer
	closeOnce sync.Once
}

// HandleWebSocket upgrades the connection and streams coordinator events.
// ?job=<id> limits the stream to one transfer and starts it with a snapshot.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var jobID async.JobID
	var snapshot *TransferResponse
	if raw := r.URL.Query().Get("job"); raw != "" {
		id, err := parseJobID(raw)
		if err != nil {
			handleError(w, s.logger, err, "Invalid job filter")
			return
		}
		jobID = id
	}

	// Subscribe before reading the snapshot so no event falls in between
	var pred events.Predicate[async.Event]
	if jobID != 0 {
		pred = events.ForJob[async.Event](int64(jobID))
	}
	sub := s.coord.Bus().Subscribe(pred)

	if jobID != 0 {
		rec, err := s.coord.Get(jobID)
		if err != nil {
			sub.Unsubscribe()
			handleError(w, s.logger, err, "Failed to get transfer")
			return
		}
		resp := newTransferResponse(rec)
		snapshot = &resp
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		sub:    sub,
		id:     uuid.NewString(),
		jobID:  jobID,
	}
	if !s.register(client) {
		client.close()
		return
	}

	s.logger.Debugw("WebSocket client connected",
		logger.FieldClientID, client.id,
		logger.FieldSubscriptionID, sub.ID(),
		logger.FieldJobID, int64(jobID),
	)

	// Greeting frames are written before writePump starts so writes never overlap
	info := version.Get()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(StreamMessage{Type: MessageVersion, Version: info.Version, Commit: info.Short()}); err != nil {
		s.unregister(client)
		client.close()
		return
	}
	if snapshot != nil {
		if err := conn.WriteJSON(StreamMessage{Type: MessageSnapshot, Transfer: snapshot}); err != nil {
			s.unregister(client)
			client.close()
			return
		}
		if snapshot.Status.IsTerminal() {
			client.closeNormally("transfer already finished")
			s.unregister(client)
			client.close()
			return
		}
	}

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// readPump consumes peer frames so pongs and close frames are processed
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
		c.server.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.handleReadError(err)
			return
		}
		if msg.Type != "ping" {
			c.server.logger.Debugw("Unknown message type",
				"type", msg.Type,
				logger.FieldClientID, c.id,
			)
		}
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			logger.FieldClientID, c.id,
			logger.FieldError, err,
		)
	}
}

// writePump forwards bus events to the peer and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.closeNormally("server shutting down")
			return

		case env, ok := <-c.sub.Events():
			if !ok {
				// Bus closed: the coordinator stopped
				c.closeNormally("coordinator stopped")
				return
			}
			event := env.Event
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(StreamMessage{Type: MessageEvent, Seq: env.Seq, Event: &event}); err != nil {
				c.server.logger.Debugw("WebSocket write failed",
					logger.FieldClientID, c.id,
					logger.FieldError, err,
				)
				return
			}
			if c.jobID != 0 && event.Kind == async.EventCompleted {
				c.closeNormally("transfer finished")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeNormally sends a close frame; the peer's reply ends readPump
func (c *Client) closeNormally(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// close releases the subscription and the connection exactly once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()
		_ = c.conn.Close()
		c.server.logger.Debugw("WebSocket client disconnected", logger.FieldClientID, c.id)
	})
}
