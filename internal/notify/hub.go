package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1024
	sendBuffer = 64

	// DefaultQueueSize is the event backlog the hub accepts before dropping.
	DefaultQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans events out to every websocket a recipient has open.
type Hub struct {
	mutex      sync.RWMutex
	clients    map[string]map[*client]struct{}
	register   chan *client
	unregister chan *client
	events     chan Event
	done       chan struct{}
}

type client struct {
	hub          *Hub
	userID       string
	conn         *websocket.Conn
	send         chan []byte
	onDisconnect func()
}

// NewHub returns a hub with an event queue of queueSize. Call Run to start
// delivery.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, queueSize),
		done:       make(chan struct{}),
	}
}

// Notify enqueues ev and returns immediately. A full queue drops the event.
func (hub *Hub) Notify(ev Event) {
	select {
	case hub.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Notify",
			"type":       ev.Type,
			"recipients": len(ev.Recipients),
		}).Warn("Notification queue full, dropping event")
	}
}

// Connected returns how many sockets userID has open.
func (hub *Hub) Connected(userID string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients[userID])
}

// Run delivers events until ctx is cancelled, then closes every socket.
func (hub *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(hub.done)
			hub.mutex.Lock()
			for userID, set := range hub.clients {
				for c := range set {
					close(c.send)
				}
				delete(hub.clients, userID)
			}
			hub.mutex.Unlock()
			return
		case c := <-hub.register:
			hub.mutex.Lock()
			set, ok := hub.clients[c.userID]
			if !ok {
				set = make(map[*client]struct{})
				hub.clients[c.userID] = set
			}
			set[c] = struct{}{}
			hub.mutex.Unlock()
		case c := <-hub.unregister:
			hub.mutex.Lock()
			hub.remove(c)
			hub.mutex.Unlock()
		case ev := <-hub.events:
			hub.deliver(ev)
		}
	}
}

func (hub *Hub) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"type":     ev.Type,
			"error":    err.Error(),
		}).Error("Failed to encode event")
		return
	}
	// A client that can't keep up gets its send channel closed, which ends
	// its writePump.
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for _, userID := range ev.Recipients {
		for c := range hub.clients[userID] {
			select {
			case c.send <- payload:
			default:
				hub.remove(c)
			}
		}
	}
}

// remove must be called with the mutex held.
func (hub *Hub) remove(c *client) {
	set, ok := hub.clients[c.userID]
	if !ok {
		return
	}
	if _, exists := set[c]; !exists {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(hub.clients, c.userID)
	}
}

// ServeWS upgrades the request and streams userID's events over it.
// onDisconnect, if set, runs once the socket is gone.
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, onDisconnect func()) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeWS",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		if onDisconnect != nil {
			onDisconnect()
		}
		return
	}
	c := &client{hub: hub, userID: userID, conn: conn, send: make(chan []byte, sendBuffer), onDisconnect: onDisconnect}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		c.disconnected()
		return
	case <-r.Context().Done():
		conn.Close()
		c.disconnected()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for the peer going away; inbound frames are ignored.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.disconnected()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) disconnected() {
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
