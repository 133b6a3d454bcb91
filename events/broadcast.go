package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET BROADCASTER - Live event feed for operator consoles
// ═══════════════════════════════════════════════════════════════════════════════

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster relays every hub event to connected websocket clients. A client
// that cannot keep up is dropped, never waited on.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	dropped int64
}

// NewBroadcaster subscribes itself to the hub firehose.
func NewBroadcaster(hub *Hub) *Broadcaster {
	b := &Broadcaster{clients: make(map[*wsClient]bool)}
	hub.SubscribeAll(b.relay)
	return b
}

func (b *Broadcaster) relay(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("event not serializable")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.dropped++
			delete(b.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected consoles.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("🔌 Event console connected")

	go b.writeLoop(client)
	b.readLoop(client)
}

func (b *Broadcaster) readLoop(c *wsClient) {
	defer b.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	_ = c.conn.Close()
}
