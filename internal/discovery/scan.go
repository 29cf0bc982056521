package discovery

import (
	"context"
	"time"

	"github.com/breeze-rmm/rpclient/internal/wire"
)

// broadcastGenerations is the fixed set of console generations probed on
// each scan tick. Unlike CheckSingle (a known IP against a known
// generation), a LAN-wide scan has no caller-supplied target, so it tries
// every distinct discovery wire format; PS5Future shares PS5V1's port and
// path, so a separate probe for it would only double responses.
var broadcastGenerations = []wire.Target{wire.TargetPS4V1, wire.TargetPS5V1}

// Scan produces a lazy, finite sequence of DiscoveredConsole updates on the
// returned channel, broadcasting to every IPv4-broadcast-capable interface
// once per tick until timeout elapses or ctx is cancelled. The channel is
// closed when the scan ends; a paused engine still drains its ticks without
// probing, so callers do not need to special-case Pause/Resume around Scan.
func (e *Engine) Scan(ctx context.Context, timeout, interval time.Duration) <-chan DiscoveredConsole {
	out := make(chan DiscoveredConsole)

	go func() {
		defer close(out)

		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll := func() {
			if e.Paused() {
				return
			}
			for _, target := range broadcastGenerations {
				e.broadcastOnce(scanCtx, target, out)
			}
		}

		poll()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out
}

// broadcastOnce sends one SRCH probe for target's generation to every
// broadcast-capable interface and forwards every parsed reply to out.
func (e *Engine) broadcastOnce(ctx context.Context, target wire.Target, out chan<- DiscoveredConsole) {
	req := wire.DiscoveryRequest{Mode: wire.ModeSearch, ProtocolVersion: target.ProtocolVersion()}
	payload, err := req.Encode()
	if err != nil {
		log.Warn("encode broadcast probe failed", "target", target.String(), "error", err)
		return
	}

	err = e.broadcaster.Broadcast(ctx, target.RequestPort(), payload, func(from string, data []byte) {
		resp, err := wire.DecodeDiscoveryResponse(data)
		if err != nil {
			log.Warn("malformed discovery advertisement", "from", from, "error", err)
			return
		}

		console := DiscoveredConsole{
			IP:         from,
			DeviceName: resp.HostName(),
			Target:     target,
			State:      resp.State,
			LastSeen:   time.Now(),
		}
		e.admit(console, resp)
		if port, ok := e.GetHostRequestPort(from); ok {
			console.HostRequestPort = port
		}

		select {
		case out <- console:
		case <-ctx.Done():
		}
	})
	if err != nil {
		log.Warn("broadcast scan round failed", "target", target.String(), "error", err)
	}
}
