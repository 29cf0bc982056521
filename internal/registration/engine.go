// Package registration implements the PIN-driven exchange that produces
// long-lived console credentials.
package registration

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/secmem"
)

var log = logging.L("registration")

// MaxAttempts bounds how many exchanges in total (the first try included)
// the engine makes for one caller-driven request (spec.md 5 "registration attempt
// cap: 3"). The session state machine does not retry registration; this
// cap belongs to the engine itself.
const MaxAttempts = 3

// EventKind tags the callback-style outcome of a registration attempt.
type EventKind int

const (
	EventPINRequest EventKind = iota
	EventSuccess
	EventFailed
	EventCancelled
)

// FailureClass classifies why a registration attempt failed.
type FailureClass string

const (
	FailurePINIncorrect    FailureClass = "pin_incorrect"
	FailureNetworkRefused  FailureClass = "network_refused"
	FailureProtocolError   FailureClass = "protocol_error"
)

// SuccessData is the payload delivered on EventSuccess.
type SuccessData struct {
	ServerNickname string
	RegkeyHex8     string
	Morning        *secmem.SecureString
	ConsolePIN     string
}

// Event is delivered to the caller's callback for each registration
// transition.
type Event struct {
	Kind    EventKind
	Success *SuccessData
	Failure FailureClass
	Message string
}

// Transport is the console-facing side of the PIN exchange, isolated so
// tests can substitute a fake console without a real network.
type Transport interface {
	// Exchange performs the registration round trip for one attempt and
	// returns the raw fields the console replied with, or an error
	// classified by the transport itself.
	Exchange(ctx context.Context, consoleIP, pin, accountIDB64 string) (rawRegistkey []byte, morning [16]byte, nickname string, err error)
}

// Engine drives PIN-bound registration attempts. Each call to Register
// gets its own attempt ID (so logs and any future cross-attempt
// correlation can distinguish concurrent callers) and its own attempt
// counter bound by MaxAttempts.
type Engine struct {
	transport Transport

	mu       sync.Mutex
	inFlight map[string]chan struct{} // attemptID -> cancel signal
}

// NewEngine constructs a registration engine over transport.
func NewEngine(transport Transport) *Engine {
	return &Engine{
		transport: transport,
		inFlight:  make(map[string]chan struct{}),
	}
}

// Register performs the PIN exchange, invoking onEvent for each
// transition. It returns the attempt ID, which callers may pass to
// Cancel.
func (e *Engine) Register(ctx context.Context, consoleIP, pin, accountIDB64 string, onEvent func(Event)) string {
	attemptID := uuid.NewString()
	cancel := make(chan struct{})

	e.mu.Lock()
	e.inFlight[attemptID] = cancel
	e.mu.Unlock()

	go e.run(ctx, attemptID, cancel, consoleIP, pin, accountIDB64, onEvent)
	return attemptID
}

// Cancel cooperatively stops an in-flight attempt. Cancellation is
// bounded: the transport must observe ctx/cancel within its own I/O
// deadlines.
func (e *Engine) Cancel(attemptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.inFlight[attemptID]; ok {
		close(cancel)
		delete(e.inFlight, attemptID)
	}
}

func (e *Engine) run(ctx context.Context, attemptID string, cancel chan struct{}, consoleIP, pin, accountIDB64 string, onEvent func(Event)) {
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, attemptID)
		e.mu.Unlock()
	}()

	onEvent(Event{Kind: EventPINRequest, Message: "waiting for PIN exchange with " + consoleIP})

	attemptCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-attemptCtx.Done():
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		select {
		case <-cancel:
			onEvent(Event{Kind: EventCancelled, Message: "registration cancelled"})
			return
		default:
		}

		rawRegistkey, morning, nickname, err := e.transport.Exchange(attemptCtx, consoleIP, pin, accountIDB64)
		if err == nil {
			hex8, canonErr := CanonicalizeRegkey(rawRegistkey)
			if canonErr != nil {
				onEvent(Event{Kind: EventFailed, Failure: FailureProtocolError, Message: canonErr.Error()})
				return
			}
			onEvent(Event{
				Kind: EventSuccess,
				Success: &SuccessData{
					ServerNickname: nickname,
					RegkeyHex8:     hex8,
					Morning:        secmem.NewSecureBytes(morning[:]),
					ConsolePIN:     pin,
				},
			})
			return
		}

		lastErr = err
		log.Warn("registration attempt failed", "attempt", attempt, "ip", consoleIP, "error", err)

		select {
		case <-cancel:
			onEvent(Event{Kind: EventCancelled, Message: "registration cancelled"})
			return
		case <-attemptCtx.Done():
			onEvent(Event{Kind: EventCancelled, Message: "registration cancelled"})
			return
		default:
		}
	}

	onEvent(Event{Kind: EventFailed, Failure: classifyFailure(lastErr), Message: lastErr.Error()})
}

func classifyFailure(err error) FailureClass {
	if err == nil {
		return FailureProtocolError
	}
	kind, ok := rperrors.KindOf(err)
	if !ok {
		return FailureProtocolError
	}
	switch kind {
	case rperrors.AuthFailed:
		return FailurePINIncorrect
	case rperrors.Network, rperrors.Timeout:
		return FailureNetworkRefused
	default:
		return FailureProtocolError
	}
}
