// Package session implements the ordered-phase state machine that drives
// one remote-play attempt from IDLE through STREAMING (or to ERROR),
// coordinating discovery, session-init, the control plane, and the media
// feeder.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/rpclient/internal/audit"
	"github.com/breeze-rmm/rpclient/internal/controlplane"
	"github.com/breeze-rmm/rpclient/internal/credstore"
	"github.com/breeze-rmm/rpclient/internal/discovery"
	"github.com/breeze-rmm/rpclient/internal/feeder"
	"github.com/breeze-rmm/rpclient/internal/health"
	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rpcrypto"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

// nonceClientSize is the length of the client-generated nonce offered on
// the session-init POST (spec.md 9, open question on key derivation).
const nonceClientSize = 16

var log = logging.L("session")

// State is the observable session lifecycle (spec.md 3 "SessionState").
type State string

const (
	StateIdle            State = "IDLE"
	StateConnecting      State = "CONNECTING"
	StateAuthenticating  State = "AUTHENTICATING"
	StateStreaming       State = "STREAMING"
	StatePaused          State = "PAUSED"
	StateDisconnecting   State = "DISCONNECTING"
	StateError           State = "ERROR"
)

// Event is delivered to the machine's caller for every state transition
// or runtime signal that must flow out to the UI (spec.md 4.F step 11:
// "Rumble, PIN, keyboard, QUIT events flow F → UI").
type Event struct {
	Kind    string // "state_change" | "quit"
	State   State
	Quit    controlplane.QuitReason
	Message string
}

// StreamSource yields reassembled stream-channel datagrams; Close
// unblocks any pending ReadSample and releases the underlying socket.
type StreamSource interface {
	ReadSample(ctx context.Context) ([]byte, error)
	Close() error
}

// Config holds the timing defaults named in spec.md 5.
type Config struct {
	WakeSettleDelay         time.Duration
	WakeConfirmBudget       time.Duration
	WakeProbeInterval       time.Duration
	SessionInitTimeout      time.Duration
	ControlConnectTimeout   time.Duration
	BangCadence             time.Duration
	ConnectionLostThreshold time.Duration
	StopJoinTimeout         time.Duration
}

// DefaultConfig returns the timing defaults from spec.md 5.
func DefaultConfig() Config {
	return Config{
		WakeSettleDelay:         11 * time.Second,
		WakeConfirmBudget:       22 * time.Second,
		WakeProbeInterval:       1500 * time.Millisecond,
		SessionInitTimeout:      10 * time.Second,
		ControlConnectTimeout:   10 * time.Second,
		BangCadence:             1 * time.Second,
		ConnectionLostThreshold: 10 * time.Second,
		StopJoinTimeout:         3 * time.Second,
	}
}

// ControlConnectFunc dials and version-negotiates a control plane
// connection. Substituted by tests to avoid a real TCP dial.
type ControlConnectFunc func(ctx context.Context, addr string, cb controlplane.Callbacks) (*controlplane.Client, error)

// StreamBindFunc binds the stream channel for ip/port. Substituted by
// tests with a fake that feeds canned samples.
type StreamBindFunc func(ctx context.Context, ip string, port uint16) (StreamSource, error)

// Deps is the explicit capability bundle the machine is constructed
// with, per spec.md 9 "Global mutable state... re-architect as an
// explicit capability bundle passed into the session constructor".
type Deps struct {
	Discovery      *discovery.Engine
	Credentials    *credstore.Cache
	Health         *health.Monitor
	Audit          *audit.Logger
	HTTPClient     *http.Client
	ControlConnect ControlConnectFunc
	BindStream     StreamBindFunc
}

// Machine is the session state machine, component F. It exclusively owns
// one Context, one controlplane.Client, and one feeder.Feeder per
// attempt.
type Machine struct {
	deps Deps
	cfg  Config

	mu    sync.Mutex
	state State
	attCtx *Context

	freeze freezeCounter

	destroying atomic.Bool
	wg         sync.WaitGroup

	control      *controlplane.Client
	feeder       *feeder.Feeder
	streamSource StreamSource

	controlCipher *rpcrypto.Cipher
	streamCipher  *rpcrypto.Cipher
	inputCounter  atomic.Uint64

	onEvent func(Event)
}

// New constructs a session machine over deps. onEvent is invoked for
// every state transition and runtime signal; it must return promptly and
// must not be invoked concurrently with itself for the same machine
// (spec.md 5 "State callbacks are serialised per session").
func New(deps Deps, cfg Config, onEvent func(Event)) *Machine {
	return &Machine{
		deps:    deps,
		cfg:     cfg,
		state:   StateIdle,
		onEvent: onEvent,
	}
}

// State returns the current observable state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emit(Event{Kind: "state_change", State: s})
}

func (m *Machine) emit(e Event) {
	if m.destroying.Load() && e.Kind != "state_change" {
		return
	}
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// Connect drives one full attempt (spec.md 4.F, steps 1-11). accountIDB64
// is the caller-supplied, not-yet-frozen account identifier; it is
// snapshotted into the attempt's Context at step 2 and is immutable for
// the remainder of the attempt regardless of any external refresher.
func (m *Machine) Connect(ctx context.Context, ip string, target wire.Target, accountIDB64 string, decoder feeder.DecoderSink) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return rperrors.New(rperrors.InvalidState, "connect called while session is not idle")
	}
	m.mu.Unlock()

	attemptID := uuid.NewString()
	m.deps.Audit.Log(audit.EventSessionAttemptStart, attemptID, map[string]any{"consoleIp": ip})
	m.deps.Health.Update("discovery", health.Unknown, "attempt starting")
	m.deps.Health.Update("controlplane", health.Unknown, "attempt starting")
	m.deps.Health.Update("feeder", health.Unknown, "attempt starting")

	// Step 1: precondition gate.
	reg, ok, err := m.deps.Credentials.GetRegistration(ip)
	if err != nil {
		return m.fail(attemptID, rperrors.Classify("load registration", err))
	}
	if !ok || reg == nil {
		return m.fail(attemptID, rperrors.New(rperrors.NotRegistered, "no credentials for "+ip))
	}
	if err := reg.Validate(); err != nil {
		return m.fail(attemptID, err)
	}
	accountRaw, err := decodeAccountID(accountIDB64)
	if err != nil {
		return m.fail(attemptID, err)
	}

	// Step 2: freeze. Create the attempt's Context and increment the
	// freeze counter; every exit path below unfreezes exactly once.
	attCtx := &Context{
		ConsoleIP:    ip,
		RegkeyHex8:   reg.RegkeyHex8,
		AccountIDRaw: accountRaw,
		AccountIDB64: accountIDB64,
		FrozenAt:     time.Now(),
	}
	m.freeze.Freeze()
	m.mu.Lock()
	m.attCtx = attCtx
	m.mu.Unlock()

	succeeded := false
	defer func() {
		if !succeeded {
			m.freeze.Unfreeze()
		}
	}()

	m.setState(StateConnecting)

	// Step 3: discovery.
	state, err := m.deps.Discovery.CheckSingle(ctx, ip, target)
	if err != nil {
		return m.fail(attemptID, err)
	}

	// Step 4: wake, if needed.
	if state != wire.StateReady {
		if err := m.deps.Discovery.Wake(ctx, ip, target, reg.WakeCred); err != nil {
			return m.fail(attemptID, err)
		}
		select {
		case <-time.After(m.cfg.WakeSettleDelay):
		case <-ctx.Done():
			return m.fail(attemptID, rperrors.Classify("wake settle wait", ctx.Err()))
		}
		state, err = m.deps.Discovery.WaitForReady(ctx, ip, target, m.cfg.WakeConfirmBudget, m.cfg.WakeProbeInterval)
		if err != nil {
			return m.fail(attemptID, err)
		}
		if state != wire.StateReady {
			return m.fail(attemptID, rperrors.New(rperrors.Timeout, "console did not reach READY"))
		}
	}
	m.deps.Health.Update("discovery", health.Healthy, "console ready")

	// Step 5: port selection.
	port, ok := m.deps.Discovery.GetHostRequestPort(ip)
	if !ok {
		port = uint16(target.DefaultHostRequestPort())
	}
	attCtx.DiscoveredPort = port

	// Step 6: suspend background scanning for steps 7-8.
	m.deps.Discovery.Pause()
	defer m.deps.Discovery.Resume()

	m.setState(StateAuthenticating)

	// Step 7: session-init. Exactly one POST per attempt (spec.md 8).
	hostAddr := fmt.Sprintf("%s:%d", ip, port)
	initCtx, cancelInit := context.WithTimeout(ctx, m.cfg.SessionInitTimeout)
	defer cancelInit()

	nonceClient := make([]byte, nonceClientSize)
	if _, err := rand.Read(nonceClient); err != nil {
		return m.fail(attemptID, rperrors.Wrap(rperrors.Crypto, "generate session nonce", err))
	}

	reqBuilder := wire.SessionInitRequest{
		Target:       target,
		HostAddr:     hostAddr,
		RegkeyHex8:   reg.RegkeyHex8,
		AccountIDB64: accountIDB64,
		NonceClient:  nonceClient,
	}
	httpReq, err := reqBuilder.Build()
	if err != nil {
		return m.fail(attemptID, err)
	}
	httpReq = httpReq.WithContext(initCtx)

	resp, err := m.deps.HTTPClient.Do(httpReq)
	if err != nil {
		return m.fail(attemptID, rperrors.Classify("session-init POST", err))
	}
	nonceServer, haveNonce, err := wire.ParseNonceServer(resp)
	resp.Body.Close()
	if err != nil {
		return m.fail(attemptID, err)
	}
	if err := wire.ClassifyStatus(resp.StatusCode); err != nil {
		return m.fail(attemptID, err)
	}

	// Derive per-attempt session keys when the console participated in
	// the nonce exchange. A console that doesn't set RP-Nonce-Server just
	// proceeds without application-layer encryption on top of the TCP
	// control/stream channels (spec.md 9, open question).
	if haveNonce {
		var morning [rpcrypto.MorningKeySize]byte
		copy(morning[:], reg.Morning.Bytes())
		keys, err := rpcrypto.DeriveSessionKeys(morning, nonceClient, nonceServer)
		if err != nil {
			return m.fail(attemptID, err)
		}
		controlCipher, err := rpcrypto.NewCipher(keys.KeyControl, keys.IVClient)
		if err != nil {
			return m.fail(attemptID, err)
		}
		streamCipher, err := rpcrypto.NewCipher(keys.KeyStream, keys.IVServer)
		if err != nil {
			return m.fail(attemptID, err)
		}
		m.mu.Lock()
		m.controlCipher = controlCipher
		m.streamCipher = streamCipher
		m.mu.Unlock()
		log.Info("derived per-attempt session keys")
	}

	// Step 8: control plane.
	cb := controlplane.Callbacks{
		OnQuit:           m.handleQuit,
		OnConnectionLost: func() { m.handleConnectionLost(attemptID) },
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, m.cfg.ControlConnectTimeout)
	defer cancelConnect()

	control, err := m.deps.ControlConnect(connectCtx, hostAddr, cb)
	if err != nil {
		return m.fail(attemptID, rperrors.Classify("control plane connect", err))
	}
	m.mu.Lock()
	m.control = control
	m.mu.Unlock()
	control.EnableInput(true)
	m.deps.Health.Update("controlplane", health.Healthy, "version negotiated")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		control.Run()
	}()

	// Step 9: media feeder. Ingest stays idle until the console pushes
	// frames (spec.md 4.F step 9).
	streamSource, err := m.deps.BindStream(ctx, ip, port)
	if err != nil {
		control.Stop()
		return m.fail(attemptID, rperrors.Classify("bind stream channel", err))
	}
	m.mu.Lock()
	m.streamSource = streamSource
	m.mu.Unlock()

	f := feeder.New(decoder, func() { m.onFirstFrame(attemptID) })
	f.Start()
	m.mu.Lock()
	m.feeder = f
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pumpStream(ctx, streamSource, f)
	}()

	attCtx.PSNFrozen = true
	attCtx.SessionActive = true
	succeeded = true

	m.deps.Audit.Log(audit.EventSessionAttemptSuccess, attemptID, map[string]any{"consoleIp": ip})
	return nil
}

// pumpStream reads reassembled samples from source and feeds them into f
// until the context is cancelled or the source is closed.
func (m *Machine) pumpStream(ctx context.Context, source StreamSource, f *feeder.Feeder) {
	for {
		raw, err := source.ReadSample(ctx)
		if err != nil {
			log.Warn("stream source read failed", "error", err)
			return
		}
		if err := f.Ingest(raw); err != nil {
			log.Warn("feeder ingest failed", "error", err)
		}
	}
}

func (m *Machine) onFirstFrame(attemptID string) {
	m.deps.Health.Update("feeder", health.Healthy, "first frame decoded")
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	if current == StateConnecting || current == StateAuthenticating {
		m.setState(StateStreaming)
	}
}

// handleQuit implements spec.md 4.F "Quit handling": during
// CONNECTING/AUTHENTICATING only a critical reason promotes to ERROR;
// during STREAMING any non-terminal-normal reason does.
func (m *Machine) handleQuit(reason controlplane.QuitReason) {
	if m.destroying.Load() {
		return
	}
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()

	m.emit(Event{Kind: "quit", State: current, Quit: reason, Message: reason.UserMessage()})

	normal := reason == controlplane.QuitNormal || reason == controlplane.QuitStopped
	if normal {
		return
	}

	critical := reason.IsCritical()
	if current == StateStreaming {
		critical = true
	}
	if !critical {
		log.Warn("non-critical quit during setup, continuing", "reason", string(reason))
		return
	}

	m.transitionError(rperrors.New(rperrors.Protocol, "quit: "+string(reason)))
}

func (m *Machine) handleConnectionLost(attemptID string) {
	if m.destroying.Load() {
		return
	}
	m.deps.Health.Update("controlplane", health.Unhealthy, "connection lost")
	m.deps.Audit.Log(audit.EventSessionAttemptFailed, attemptID, map[string]any{"reason": "connection_lost"})
	m.transitionError(rperrors.New(rperrors.Network, "control plane connection lost"))
}

func (m *Machine) transitionError(cause error) {
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
	m.emit(Event{Kind: "state_change", State: StateError, Message: cause.Error()})
}

func (m *Machine) fail(attemptID string, cause error) error {
	m.deps.Audit.Log(audit.EventSessionAttemptFailed, attemptID, map[string]any{"error": cause.Error()})
	m.transitionError(cause)
	return cause
}

// Stop is safe from any state. It signals the control plane and feeder
// to drain and exit, awaits them with a bounded join, destroys the
// attempt Context (releasing the freeze), and returns to IDLE (spec.md
// 4.F "Cancellation").
func (m *Machine) Stop() {
	m.destroying.Store(true)
	defer m.destroying.Store(false)

	m.mu.Lock()
	control := m.control
	f := m.feeder
	source := m.streamSource
	m.control = nil
	m.feeder = nil
	m.streamSource = nil
	m.attCtx = nil
	m.controlCipher = nil
	m.streamCipher = nil
	m.inputCounter.Store(0)
	m.mu.Unlock()

	if control != nil {
		control.Stop()
	}
	if f != nil {
		f.Stop()
	}
	if source != nil {
		source.Close()
	}

	joined := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(m.cfg.StopJoinTimeout):
		log.Warn("stop join timed out, proceeding to idle anyway")
	}

	m.freeze.Unfreeze()
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.emit(Event{Kind: "state_change", State: StateIdle})
}

// ControlSnapshot exposes the active attempt's control-plane stats, if any.
func (m *Machine) ControlSnapshot() (controlplane.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.control == nil {
		return controlplane.Stats{}, false
	}
	return m.control.Snapshot(), true
}

// FeederSnapshot exposes the active attempt's feeder stats, if any.
func (m *Machine) FeederSnapshot() (feeder.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeder == nil {
		return feeder.Stats{}, false
	}
	return m.feeder.Snapshot(), true
}

// AccountFrozen reports whether the account-id freeze counter is
// currently held (spec.md 8 "Account-id freeze counter").
func (m *Machine) AccountFrozen() bool {
	return m.freeze.Frozen()
}

// SessionKeysDerived reports whether the current attempt negotiated
// per-attempt session keys with the console.
func (m *Machine) SessionKeysDerived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlCipher != nil
}

// StreamCipherActive reports whether the stream-direction cipher was
// derived for the current attempt. The media channel's own encryption
// envelope is not pinned down by any available source (spec.md 9), so
// this cipher is held for the attempt's lifetime but not yet applied to
// individual stream fragments; callers that need to seal out-of-band
// stream telemetry (e.g. LossReport forwarding) can use it via
// StreamEncrypt.
func (m *Machine) StreamCipherActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCipher != nil
}

// StreamEncrypt seals an application payload under the attempt's stream
// cipher, if one was negotiated. Used for out-of-band stream-channel
// payloads (e.g. forwarding a feeder.LossReport); it does not touch the
// reassembled media fragments themselves.
func (m *Machine) StreamEncrypt(counter uint64, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	cipher := m.streamCipher
	m.mu.Unlock()
	if cipher == nil {
		return nil, rperrors.New(rperrors.NotConnected, "no stream cipher negotiated for this attempt")
	}
	return cipher.Encrypt(rpcrypto.StreamMedia, counter, plaintext)
}

// SendInput forwards a controller-state payload to the console, sealing
// it under the attempt's control cipher when one was negotiated. Safe to
// call from any goroutine; silently dropped if no attempt is active.
func (m *Machine) SendInput(payload []byte) {
	m.mu.Lock()
	control := m.control
	cipher := m.controlCipher
	m.mu.Unlock()
	if control == nil {
		return
	}

	if cipher == nil {
		control.SendInput(payload)
		return
	}

	counter := m.inputCounter.Add(1)
	sealed, err := cipher.Encrypt(rpcrypto.StreamControl, counter, payload)
	if err != nil {
		log.Warn("failed to seal input payload, dropping", "error", err)
		return
	}
	control.SendInput(sealed)
}

func decodeAccountID(accountIDB64 string) ([8]byte, error) {
	reg := credstore.ConsoleRegistration{AccountIDB64: accountIDB64}
	return reg.AccountIDLE8()
}
