package session

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/breeze-rmm/rpclient/internal/audit"
	"github.com/breeze-rmm/rpclient/internal/config"
	"github.com/breeze-rmm/rpclient/internal/controlplane"
	"github.com/breeze-rmm/rpclient/internal/credstore"
	"github.com/breeze-rmm/rpclient/internal/discovery"
	"github.com/breeze-rmm/rpclient/internal/feeder"
	"github.com/breeze-rmm/rpclient/internal/health"
	"github.com/breeze-rmm/rpclient/internal/secmem"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

type fakeDialer struct {
	mu   sync.Mutex
	resp []byte
}

func (f *fakeDialer) SendTo(ctx context.Context, ip string, port int, payload []byte) error {
	return nil
}

func (f *fakeDialer) Probe(ctx context.Context, ip string, port int, payload []byte, readTimeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, nil
}

func readyAdvert(port int) []byte {
	return []byte("HTTP/1.1 200 Ok\r\nhost-request-port:" + itoa(port) + "\r\n\r\n")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type fakeStreamSource struct {
	samples   chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *fakeStreamSource) ReadSample(ctx context.Context) ([]byte, error) {
	select {
	case sample, ok := <-s.samples:
		if !ok {
			return nil, context.Canceled
		}
		return sample, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStreamSource) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.samples) })
	return nil
}

func newTestDeps(t *testing.T, dialerResp []byte, controlAddr string) (Deps, *credstore.Cache) {
	t.Helper()

	store, err := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.ndjson"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v, want nil", err)
	}
	cache := credstore.NewCache(store)

	reg := credstore.ConsoleRegistration{
		ConsoleIP:    "192.168.1.100",
		ConsoleName:  "Living Room PS5",
		Target:       wire.TargetPS5V1,
		RegkeyHex8:   "8830739c",
		Morning:      secmem.NewSecureBytes(make([]byte, 16)),
		AccountIDB64: "nD1Ho0mY7wY=",
		WakeCred:     "8830739c",
		IsValid:      true,
		IsRegistered: true,
	}
	if err := cache.Add(reg); err != nil {
		t.Fatalf("cache.Add() error = %v, want nil", err)
	}

	dialer := &fakeDialer{resp: dialerResp}
	disc := discovery.NewEngine(dialer, nil)

	auditLogger, err := audit.NewLogger(&config.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("audit.NewLogger() error = %v, want nil", err)
	}

	deps := Deps{
		Discovery:   disc,
		Credentials: cache,
		Health:      health.NewMonitor(),
		Audit:       auditLogger,
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
		ControlConnect: func(ctx context.Context, addr string, cb controlplane.Callbacks) (*controlplane.Client, error) {
			// addr carries the console's advertised IP, which is a fake
			// LAN address in this test; redirect the dial to the local
			// loopback control server instead.
			c := controlplane.NewClient(controlAddr, cb, 50*time.Millisecond, 5*time.Second)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		},
		BindStream: func(ctx context.Context, ip string, port uint16) (StreamSource, error) {
			return &fakeStreamSource{samples: make(chan []byte, 4)}, nil
		},
	}
	return deps, cache
}

// controlServer emulates the console's control-plane side: it accepts
// one connection, replies VERSION_RSP, then idles.
func startControlServer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v, want nil", err)
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, 4)
		if _, err := readFullTestHelper(conn, header); err != nil {
			return
		}
		_, _, size, err := wire.DecodeControlHeader(header)
		if err != nil {
			return
		}
		if size > 0 {
			body := make([]byte, size)
			readFullTestHelper(conn, body)
		}

		rsp := wire.ControlMessage{Type: wire.MsgVersionRsp, Payload: []byte("rpserver/9.0")}
		encoded, _ := rsp.Encode()
		conn.Write(encoded)

		// idle until closed by the test
		buf := make([]byte, 64)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

func readFullTestHelper(conn net.Conn, buf []byte) (int, error) {
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

func TestMachineHappyPathReachesStreaming(t *testing.T) {
	controlAddr, cleanup := startControlServer(t)
	defer cleanup()

	var postCount int32
	sessionInitServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&postCount, 1)
		if got := r.Header.Get(wire.HeaderRegistkey); got != "8830739c" {
			t.Errorf("registkey header = %q, want %q", got, "8830739c")
		}
		if r.Header.Get(wire.HeaderNonceClient) == "" {
			t.Error("nonce-client header = empty, want non-empty")
		}
		w.Header().Set(wire.HeaderNonceServer, base64.StdEncoding.EncodeToString(make([]byte, 16)))
		w.WriteHeader(http.StatusOK)
	}))
	defer sessionInitServer.Close()

	_, controlPort, err := net.SplitHostPort(controlAddr)
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v, want nil", err)
	}

	deps, _ := newTestDeps(t, readyAdvert(mustAtoi(t, controlPort)), controlAddr)

	var events []Event
	var mu sync.Mutex
	m := New(deps, DefaultConfig(), func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	// Route session-init to the httptest server by overriding the HTTP
	// client's transport to redirect to its address regardless of host.
	targetURL := sessionInitServer.Listener.Addr().String()
	deps.HTTPClient.Transport = redirectTransport{to: targetURL}
	m.deps = deps

	firstFrame := make(chan struct{})
	decoder := func(payload []byte, lost, recovered uint32) feeder.DecodeResult {
		close(firstFrame)
		return feeder.DecodeOK
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Connect(context.Background(), "192.168.1.100", wire.TargetPS5V1, "nD1Ho0mY7wY=", decoder)
	}()

	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v, want nil", err)
	}

	// Feed one sample through the bound stream source to trigger the
	// first-frame transition.
	source, ok := currentStreamSource(m)
	if !ok {
		t.Fatal("currentStreamSource() ok = false, want true")
	}
	fake := source.(*fakeStreamSource)
	fake.samples <- singleFragmentSample(t)

	waitUntil(t, 2*time.Second, func() bool {
		return m.State() == StateStreaming
	})

	if got := atomic.LoadInt32(&postCount); got != 1 {
		t.Errorf("session-init POST count = %d, want 1", got)
	}
	if !m.SessionKeysDerived() {
		t.Error("SessionKeysDerived() = false, want true")
	}
	if !m.StreamCipherActive() {
		t.Error("StreamCipherActive() = false, want true")
	}

	m.SendInput([]byte("controller-state"))

	m.Stop()
	waitUntil(t, 2*time.Second, func() bool {
		return m.State() == StateIdle
	})
	if m.AccountFrozen() {
		t.Error("AccountFrozen() = true after normal stop, want false")
	}
}

func TestMachineRejectsConnectWhenNotRegistered(t *testing.T) {
	deps, cache := newTestDeps(t, readyAdvert(997), "127.0.0.1:0")
	if err := cache.Remove("192.168.1.100"); err != nil {
		t.Fatalf("cache.Remove() error = %v, want nil", err)
	}

	m := New(deps, DefaultConfig(), func(e Event) {})
	err := m.Connect(context.Background(), "192.168.1.100", wire.TargetPS5V1, "nD1Ho0mY7wY=", func([]byte, uint32, uint32) feeder.DecodeResult { return feeder.DecodeOK })
	if err == nil {
		t.Fatal("Connect() error = nil, want error for unregistered console")
	}
	if got := m.State(); got != StateError {
		t.Errorf("State() = %v, want %v", got, StateError)
	}
}

func TestMachineConnectRejectedWhenNotIdle(t *testing.T) {
	deps, _ := newTestDeps(t, readyAdvert(997), "127.0.0.1:0")
	m := New(deps, DefaultConfig(), func(e Event) {})
	m.mu.Lock()
	m.state = StateStreaming
	m.mu.Unlock()

	err := m.Connect(context.Background(), "192.168.1.100", wire.TargetPS5V1, "nD1Ho0mY7wY=", func([]byte, uint32, uint32) feeder.DecodeResult { return feeder.DecodeOK })
	if err == nil {
		t.Fatal("Connect() error = nil, want error when machine is not idle")
	}
}

type redirectTransport struct {
	to string
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Host = t.to
	return http.DefaultTransport.RoundTrip(req)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a number: %s", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func currentStreamSource(m *Machine) (StreamSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamSource == nil {
		return nil, false
	}
	return m.streamSource, true
}

func singleFragmentSample(t *testing.T) []byte {
	t.Helper()
	s := wire.StreamSample{
		Packet: rtp.Packet{
			Header:  rtp.Header{SequenceNumber: 1, Timestamp: 1000, SSRC: 7},
			Payload: []byte("frame-payload"),
		},
	}
	b, err := s.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v, want nil", err)
	}
	return b
}
