// Package discovery implements the UDP broadcast/probe engine: it locates
// consoles on the LAN, tracks their advertised power state, and sends the
// magic wake datagram.
package discovery

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

var log = logging.L("discovery")

// maxTrackedConsoles bounds the discovered-console set (spec.md 3
// DiscoveredConsole: "bounded-capacity set (≤32) with LRU eviction").
const maxTrackedConsoles = 32

// DiscoveredConsole is a transient advertisement snapshot.
type DiscoveredConsole struct {
	IP              string
	DeviceName      string
	Target          wire.Target
	State           wire.ConsoleState
	HostRequestPort uint16
	LastSeen        time.Time
}

// Dialer abstracts the unicast UDP transport so tests can substitute a fake
// without binding real sockets.
type Dialer interface {
	SendTo(ctx context.Context, ip string, port int, payload []byte) error
	Probe(ctx context.Context, ip string, port int, payload []byte, readTimeout time.Duration) ([]byte, error)
}

// BroadcastTransport abstracts the LAN-wide discovery socket: it fans a
// probe out to every broadcast-capable interface and reports every reply
// datagram it hears back until ctx ends. Tests substitute a fake so Scan
// exercises without binding real interfaces.
type BroadcastTransport interface {
	Broadcast(ctx context.Context, port int, payload []byte, onReply func(from string, data []byte)) error
}

// Engine is the discovery/wake engine, component C of the session
// pipeline.
type Engine struct {
	dialer      Dialer
	broadcaster BroadcastTransport

	mu     sync.Mutex
	order  *list.List
	byIP   map[string]*list.Element
	paused atomic.Bool
}

// NewEngine constructs a discovery engine over the given unicast transport
// and broadcast transport. broadcaster may be nil for callers that only
// ever use CheckSingle/Wake/WaitForReady against known IPs and never call
// Scan.
func NewEngine(dialer Dialer, broadcaster BroadcastTransport) *Engine {
	return &Engine{
		dialer:      dialer,
		broadcaster: broadcaster,
		order:       list.New(),
		byIP:        make(map[string]*list.Element),
	}
}

// Pause suspends scanning. Per spec.md 4.C, F suspends C's scans during
// the session-init window because broadcast traffic has been observed to
// interfere with the short TCP window.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume re-enables scanning.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Paused reports whether the engine is currently suspended.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// CheckSingle sends a single SRCH probe to ip and returns the parsed
// state. A transport failure is classified as Network; a malformed
// response is classified as Protocol.
func (e *Engine) CheckSingle(ctx context.Context, ip string, target wire.Target) (wire.ConsoleState, error) {
	req := wire.DiscoveryRequest{Mode: wire.ModeSearch, ProtocolVersion: target.ProtocolVersion()}
	payload, err := req.Encode()
	if err != nil {
		return wire.StateUnknown, err
	}

	raw, err := e.dialer.Probe(ctx, ip, target.RequestPort(), payload, 2*time.Second)
	if err != nil {
		return wire.StateUnknown, rperrors.Classify("discovery probe", err)
	}

	resp, err := wire.DecodeDiscoveryResponse(raw)
	if err != nil {
		return wire.StateUnknown, err
	}

	e.admit(DiscoveredConsole{
		IP:         ip,
		DeviceName: resp.HostName(),
		Target:     target,
		State:      resp.State,
		LastSeen:   time.Now(),
	}, resp)

	return resp.State, nil
}

// Wake sends the wake datagram to the console's wake port with its known
// wake credential. It is idempotent in effect: sending it more than once
// within an attempt has no additional observable effect beyond log
// accumulation.
func (e *Engine) Wake(ctx context.Context, ip string, target wire.Target, wakeCredential string) error {
	req := wire.DiscoveryRequest{
		Mode:            wire.ModeWakeup,
		ProtocolVersion: target.ProtocolVersion(),
		WakeCredential:  wakeCredential,
	}
	payload, err := req.Encode()
	if err != nil {
		return err
	}

	if err := e.dialer.SendTo(ctx, ip, target.WakePort(), payload); err != nil {
		return rperrors.Classify("send wake datagram", err)
	}
	log.Info("wake datagram sent", "ip", ip, "target", target.String())
	return nil
}

// WaitForReady polls CheckSingle once every probeInterval until the
// console reports READY, until timeout elapses without READY (a Timeout
// error carrying the last state seen), or until ctx is done. A failed
// probe is logged and retried; it does not end the wait.
func (e *Engine) WaitForReady(ctx context.Context, ip string, target wire.Target, timeout time.Duration, probeInterval time.Duration) (wire.ConsoleState, error) {
	deadline := time.Now().Add(timeout)
	var lastState wire.ConsoleState

	for {
		state, err := e.CheckSingle(ctx, ip, target)
		if err != nil {
			// A single probe failure does not abort the wait loop; only
			// running out of budget or a READY result ends it.
			log.Warn("wake-confirm probe failed, retrying", "ip", ip, "error", err)
		} else {
			lastState = state
			if state == wire.StateReady {
				return wire.StateReady, nil
			}
		}

		if time.Now().After(deadline) {
			return lastState, rperrors.New(rperrors.Timeout, "console did not reach READY within wake-confirm budget")
		}

		select {
		case <-ctx.Done():
			return lastState, rperrors.Classify("wait for ready", ctx.Err())
		case <-time.After(probeInterval):
		}
	}
}

// GetHostRequestPort returns the last advertised host-request-port for
// ip, if any advertisement has been observed.
func (e *Engine) GetHostRequestPort(ip string) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.byIP[ip]
	if !ok {
		return 0, false
	}
	console := el.Value.(*DiscoveredConsole)
	if console.HostRequestPort == 0 {
		return 0, false
	}
	return console.HostRequestPort, true
}

// admit records (or refreshes) a discovered console, evicting the
// least-recently-seen entry if the set is at capacity.
func (e *Engine) admit(console DiscoveredConsole, resp wire.DiscoveryResponse) {
	if port, ok := resp.HostRequestPort(); ok {
		console.HostRequestPort = port
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.byIP[console.IP]; ok {
		e.order.MoveToFront(el)
		el.Value = &console
		return
	}

	if e.order.Len() >= maxTrackedConsoles {
		oldest := e.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*DiscoveredConsole)
			delete(e.byIP, evicted.IP)
			e.order.Remove(oldest)
		}
	}

	el := e.order.PushFront(&console)
	e.byIP[console.IP] = el
}

// Snapshot returns every currently tracked console, most-recently-seen
// first.
func (e *Engine) Snapshot() []DiscoveredConsole {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DiscoveredConsole, 0, e.order.Len())
	for el := e.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*DiscoveredConsole))
	}
	return out
}
