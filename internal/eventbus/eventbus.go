// Package eventbus broadcasts session lifecycle events to local
// subscribers over a loopback websocket, so a UI process can observe
// state transitions, quit reasons, and connection-lost signals without
// linking against the session package directly.
package eventbus

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/rpclient/internal/logging"
)

var log = logging.L("eventbus")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	subscriberSend = 32 // buffered events per subscriber before a slow reader is dropped
)

// Message is the JSON envelope delivered to every subscriber.
type Message struct {
	Kind    string `json:"kind"`
	State   string `json:"state,omitempty"`
	Quit    string `json:"quit,omitempty"`
	Message string `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscriber struct {
	send chan Message
	done chan struct{}
}

// Bus accepts websocket subscribers on /events and fans out Publish
// calls to all of them. It binds to 127.0.0.1:0 unless Start is given
// another address.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	server *http.Server
	addr   net.Addr
}

// New constructs a Bus. It does not start listening until Start is called.
func New() *Bus {
	return &Bus{subscribers: make(map[*subscriber]struct{})}
}

// Start binds to 127.0.0.1:0 (or addr, if non-empty) and begins serving
// /events in the background. Returns the bound address.
func (b *Bus) Start(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	b.addr = listener.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.handleSubscribe)
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warn("eventbus server exited", "error", err)
		}
	}()

	return b.addr.String(), nil
}

// Stop closes the listener and disconnects every subscriber.
func (b *Bus) Stop() {
	if b.server != nil {
		b.server.Close()
	}
	b.mu.Lock()
	for s := range b.subscribers {
		close(s.done)
	}
	b.subscribers = make(map[*subscriber]struct{})
	b.mu.Unlock()
}

// Publish fans a message out to every connected subscriber. A subscriber
// whose send buffer is full is disconnected rather than blocking the
// publisher (spec.md 5's "state callbacks are serialised per session"
// requires Publish itself never blocks on a slow reader).
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.send <- msg:
		default:
			log.Warn("dropping slow eventbus subscriber")
			close(s.done)
			delete(b.subscribers, s)
		}
	}
}

func (b *Bus) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s := &subscriber{send: make(chan Message, subscriberSend), done: make(chan struct{})}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	go b.readPump(conn, s)
	b.writePump(conn, s)
}

// readPump drains and discards subscriber traffic; the bus is
// publish-only, but a read loop is still required to process control
// frames (ping/pong/close) per gorilla/websocket's contract.
func (b *Bus) readPump(conn *websocket.Conn, s *subscriber) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		delete(b.subscribers, s)
		b.mu.Unlock()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			// Stop and Publish close done themselves when they drop a
			// subscriber; only close it here if it is still registered.
			b.mu.Lock()
			if _, ok := b.subscribers[s]; ok {
				close(s.done)
				delete(b.subscribers, s)
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) writePump(conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			encoded, err := json.Marshal(msg)
			if err != nil {
				log.Warn("failed to marshal eventbus message", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
