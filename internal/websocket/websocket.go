// Package websocket serves a push view of job changes for dashboards. It is
// a convenience alongside polling; clients that miss updates can always poll.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Watchers only send control frames.
	maxMessageSize = 512

	sendBuffer = 64
)

// Update is one message on the feed.
type Update struct {
	Type    string               `json:"type"`
	Jobs    []models.JobSnapshot `json:"jobs,omitempty"`
	Job     *models.JobSnapshot  `json:"job,omitempty"`
	Metrics *models.Metrics      `json:"metrics,omitempty"`
}

const (
	UpdateSnapshot = "snapshot"
	UpdateJob      = "job"
)

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	snapshot func(jobID string) Update
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	jobFilter string
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// New creates a manager. snapshot builds the initial message for a new
// watcher; jobID is the watcher's filter and may be empty.
func New(snapshot func(jobID string) Update, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logger.Named("watch")
	}
	return &Manager{
		snapshot: snapshot,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers a watcher. The optional
// "job" query parameter limits updates to one job.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		jobFilter: r.URL.Query().Get("job"),
		done:      make(chan struct{}),
	}

	if m.snapshot != nil {
		if msg, err := json.Marshal(m.snapshot(c.jobFilter)); err == nil {
			c.send <- msg
		}
	}

	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.log.Infow("Watcher connected",
		logger.FieldAddress, r.RemoteAddr,
		logger.FieldJobID, c.jobFilter,
		logger.FieldCount, total)

	go m.writePump(c)
	go m.readPump(c)
}

// Publish sends a job change to every interested watcher. Watchers that
// cannot keep up are disconnected.
func (m *Manager) Publish(job models.JobSnapshot) {
	msg, err := json.Marshal(Update{Type: UpdateJob, Job: &job})
	if err != nil {
		m.log.Errorw("Failed to marshal update", logger.FieldJobID, job.ID, logger.FieldError, err)
		return
	}

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		if c.jobFilter != "" && c.jobFilter != job.ID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			m.log.Warnw("Dropping slow watcher", logger.FieldAddress, c.conn.RemoteAddr().String())
			delete(m.clients, c)
			c.close()
		}
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every watcher.
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		delete(m.clients, c)
		c.close()
	}
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()
	c.close()
	m.log.Debugw("Watcher disconnected", logger.FieldCount, total)
}

// writePump is the only writer for c.conn.
func (m *Manager) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.remove(c)
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (m *Manager) readPump(c *client) {
	defer m.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
