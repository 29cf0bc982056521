// Package controlplane implements the TCP control channel: version
// negotiation, periodic keep-alive, input forwarding, and quit events.
package controlplane

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

var log = logging.L("controlplane")

// MaxInputPayloadBytes bounds forwarded INPUT payloads (spec.md 4.G:
// "forward only when enabled and when payload ≤ 1020 bytes").
const MaxInputPayloadBytes = 1020

const (
	defaultBangCadence       = 1 * time.Second
	defaultConnectionLost    = 10 * time.Second
	idleTickInterval         = 100 * time.Millisecond
	versionRspTimeout        = 3 * time.Second
	clientVersion            = "rpclient/1.0"
)

// QuitReason is the closed set in spec.md 3.
type QuitReason string

const (
	QuitUnknown              QuitReason = "SESSION_REQUEST_UNKNOWN"
	QuitConnectionRefused    QuitReason = "SESSION_REQUEST_CONNECTION_REFUSED"
	QuitRPInUse              QuitReason = "SESSION_REQUEST_RP_IN_USE"
	QuitRPCrash              QuitReason = "SESSION_REQUEST_RP_CRASH"
	QuitPSNRegistFailed      QuitReason = "PSN_REGIST_FAILED"
	QuitNormal               QuitReason = "NORMAL"
	QuitStopped              QuitReason = "STOPPED"
)

// criticalQuitReasons are promoted to ERROR during CONNECTING/AUTHENTICATING
// (spec.md 4.F "Quit handling").
var criticalQuitReasons = map[QuitReason]bool{
	QuitUnknown:           true,
	QuitConnectionRefused: true,
	QuitRPInUse:           true,
	QuitRPCrash:           true,
	QuitPSNRegistFailed:   true,
}

// IsCritical reports whether a quit reason always promotes to ERROR
// regardless of the phase it arrives in.
func (q QuitReason) IsCritical() bool {
	return criticalQuitReasons[q]
}

// UserMessage maps specific quit reasons to the fixed human-readable
// strings in spec.md 7; unclassified reasons pass through verbatim.
func (q QuitReason) UserMessage() string {
	switch q {
	case QuitRPInUse:
		return "PS5 Remote Play is already in use by another device"
	case QuitConnectionRefused:
		return "the console refused the connection"
	case QuitRPCrash:
		return "Remote Play crashed on the console"
	case QuitPSNRegistFailed:
		return "PSN registration failed"
	case QuitNormal, QuitStopped:
		return "session ended normally"
	default:
		return string(q)
	}
}

// Stats is the snapshot exposed by Client.Snapshot.
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	BangsSent        int64
	LastBangTime     time.Time
	LastLatency      time.Duration
	VersionNegotiated string
}

// Callbacks are invoked by the client's internal goroutines; callers must
// keep them fast and non-blocking.
type Callbacks struct {
	OnQuit            func(QuitReason)
	OnConnectionLost  func()
	OnMessage         func(wire.ControlMessage)
}

// Client is the TCP control-plane connection, component G.
type Client struct {
	addr      string
	callbacks Callbacks

	connMu sync.RWMutex
	conn   net.Conn

	done     chan struct{}
	stopOnce sync.Once
	sendCh   chan wire.ControlMessage

	inputEnabled atomic.Bool

	statsMu sync.Mutex
	stats   Stats

	lastRecvMu sync.Mutex
	lastRecv   time.Time

	bangCadence      time.Duration
	connectionLost   time.Duration
}

// NewClient constructs a controlplane.Client. bangCadence/connectionLost
// default to spec.md 5's 1s/10s when zero.
func NewClient(addr string, cb Callbacks, bangCadence, connectionLost time.Duration) *Client {
	if bangCadence <= 0 {
		bangCadence = defaultBangCadence
	}
	if connectionLost <= 0 {
		connectionLost = defaultConnectionLost
	}
	return &Client{
		addr:           addr,
		callbacks:      cb,
		done:           make(chan struct{}),
		sendCh:         make(chan wire.ControlMessage, 64),
		bangCadence:    bangCadence,
		connectionLost: connectionLost,
	}
}

// Connect dials the control-plane TCP port, sends VERSION_REQ, and
// blocks until VERSION_RSP is observed or versionRspTimeout elapses
// (spec.md 4.F step 8).
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return rperrors.Classify("control plane connect", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	reqPayload := []byte(clientVersion)
	versionReq := wire.ControlMessage{Type: wire.MsgVersionReq, Payload: reqPayload}
	if err := c.writeFrame(versionReq); err != nil {
		return err
	}

	rspCh := make(chan wire.ControlMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := c.readFrame()
		if err != nil {
			errCh <- err
			return
		}
		rspCh <- msg
	}()

	select {
	case msg := <-rspCh:
		if msg.Type != wire.MsgVersionRsp {
			return rperrors.New(rperrors.Protocol, "expected VERSION_RSP, got "+msg.Type.String())
		}
		c.statsMu.Lock()
		c.stats.VersionNegotiated = string(msg.Payload)
		c.statsMu.Unlock()
		c.touchRecv()
		return nil
	case err := <-errCh:
		return rperrors.Classify("await VERSION_RSP", err)
	case <-time.After(versionRspTimeout):
		return rperrors.New(rperrors.Timeout, "VERSION_RSP not received in time")
	case <-ctx.Done():
		return rperrors.Classify("await VERSION_RSP", ctx.Err())
	}
}

// Run starts the read/write pumps and blocks until Stop is called or the
// connection is lost. Call after Connect succeeds.
func (c *Client) Run() {
	go c.readPump()
	c.writePump()
}

// EnableInput allows INPUT messages to be forwarded.
func (c *Client) EnableInput(enabled bool) {
	c.inputEnabled.Store(enabled)
}

// SendInput forwards a controller-state payload. Dropped (not an error)
// when input is disabled or the payload exceeds MaxInputPayloadBytes.
func (c *Client) SendInput(payload []byte) {
	if !c.inputEnabled.Load() {
		return
	}
	if len(payload) > MaxInputPayloadBytes {
		log.Warn("dropping oversized input payload", "size", len(payload))
		return
	}
	select {
	case c.sendCh <- wire.ControlMessage{Type: wire.MsgInput, Payload: payload}:
	case <-c.done:
	default:
		log.Warn("control send queue full, dropping input frame")
	}
}

// Snapshot returns the current stats.
func (c *Client) Snapshot() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Stop signals the pumps to exit and closes the connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

func (c *Client) readPump() {
	idle := time.NewTicker(idleTickInterval)
	defer idle.Stop()

	type frameResult struct {
		msg wire.ControlMessage
		err error
	}
	frames := make(chan frameResult, 1)

	go func() {
		for {
			msg, err := c.readFrame()
			frames <- frameResult{msg, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case res := <-frames:
			if res.err != nil {
				log.Warn("control plane read failed", "error", res.err)
				if c.callbacks.OnConnectionLost != nil {
					c.callbacks.OnConnectionLost()
				}
				return
			}
			c.touchRecv()
			c.statsMu.Lock()
			c.stats.MessagesReceived++
			c.statsMu.Unlock()

			switch res.msg.Type {
			case wire.MsgBang:
				// keep-alive acked by the silence-timeout reset above
			case wire.MsgSessionCtrl:
				reason := QuitReason(res.msg.Payload)
				if c.callbacks.OnQuit != nil {
					c.callbacks.OnQuit(reason)
				}
			default:
				if c.callbacks.OnMessage != nil {
					c.callbacks.OnMessage(res.msg)
				}
			}
		case <-idle.C:
			c.lastRecvMu.Lock()
			silence := time.Since(c.lastRecv)
			c.lastRecvMu.Unlock()
			if silence > c.connectionLost {
				log.Warn("control plane silence threshold exceeded", "silence", silence)
				if c.callbacks.OnConnectionLost != nil {
					c.callbacks.OnConnectionLost()
				}
				return
			}
		}
	}
}

func (c *Client) writePump() {
	bangTicker := time.NewTicker(c.bangCadence)
	defer bangTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			if err := c.writeFrame(msg); err != nil {
				log.Warn("control plane write failed", "error", err)
				return
			}
			c.statsMu.Lock()
			c.stats.MessagesSent++
			c.statsMu.Unlock()
		case t := <-bangTicker.C:
			payload := wire.BangPayload(uint32(t.UnixMilli() & 0xFFFFFFFF))
			if err := c.writeFrame(wire.ControlMessage{Type: wire.MsgBang, Payload: payload}); err != nil {
				log.Warn("bang send failed", "error", err)
				return
			}
			c.statsMu.Lock()
			c.stats.BangsSent++
			c.stats.LastBangTime = t
			c.statsMu.Unlock()
		}
	}
}

func (c *Client) writeFrame(msg wire.ControlMessage) error {
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return rperrors.New(rperrors.NotConnected, "control plane not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(encoded)
	if err != nil {
		return rperrors.Classify("write control frame", err)
	}
	return nil
}

func (c *Client) readFrame() (wire.ControlMessage, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return wire.ControlMessage{}, rperrors.New(rperrors.NotConnected, "control plane not connected")
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return wire.ControlMessage{}, rperrors.Classify("read control header", err)
	}

	msgType, flags, size, err := wire.DecodeControlHeader(header)
	if err != nil {
		return wire.ControlMessage{}, err
	}

	body := make([]byte, size)
	if size > 0 {
		if _, err := readFull(conn, body); err != nil {
			return wire.ControlMessage{}, rperrors.Classify("read control payload", err)
		}
	}

	return wire.ControlMessage{Type: msgType, Flags: flags, Payload: body}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Client) touchRecv() {
	c.lastRecvMu.Lock()
	c.lastRecv = time.Now()
	c.lastRecvMu.Unlock()
}
