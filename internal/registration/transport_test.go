package registration

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/breeze-rmm/rpclient/internal/wire"
)

func TestHTTPTransportExchangeParsesSuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(headerPIN); got != "12345678" {
			t.Errorf("PIN header = %q, want %q", got, "12345678")
		}
		if got := r.Header.Get(headerAccountID); got != "nD1Ho0mY7wY=" {
			t.Errorf("account-id header = %q, want %q", got, "nD1Ho0mY7wY=")
		}
		w.Header().Set(respHeaderRegistkey, "8830739c")
		w.Header().Set(respHeaderMorning, base64.StdEncoding.EncodeToString(make([]byte, 16)))
		w.Header().Set(respHeaderNickname, "Living Room PS5")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewHTTPTransport(&http.Client{Timeout: 2 * time.Second}, wire.TargetPS5V1)
	transport.client.Transport = redirectToTestServer{addr: server.Listener.Addr().String()}

	regkey, morning, nickname, err := transport.Exchange(context.Background(), "192.168.1.100", "12345678", "nD1Ho0mY7wY=")
	if err != nil {
		t.Fatalf("Exchange() error = %v, want nil", err)
	}
	wantRegkey := []byte{0x88, 0x30, 0x73, 0x9c}
	if string(regkey) != string(wantRegkey) {
		t.Errorf("regkey = %x, want %x", regkey, wantRegkey)
	}
	if morning != ([16]byte{}) {
		t.Errorf("morning = %x, want zero bytes", morning)
	}
	if nickname != "Living Room PS5" {
		t.Errorf("nickname = %q, want %q", nickname, "Living Room PS5")
	}
}

func TestHTTPTransportExchangeRejectsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	transport := NewHTTPTransport(&http.Client{Timeout: 2 * time.Second}, wire.TargetPS5V1)
	transport.client.Transport = redirectToTestServer{addr: server.Listener.Addr().String()}

	if _, _, _, err := transport.Exchange(context.Background(), "192.168.1.100", "12345678", "nD1Ho0mY7wY="); err == nil {
		t.Fatal("Exchange() error = nil, want error for non-200 status")
	}
}

func TestHTTPTransportExchangeRejectsMalformedRegistkey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(respHeaderRegistkey, "not-hex")
		w.Header().Set(respHeaderMorning, base64.StdEncoding.EncodeToString(make([]byte, 16)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewHTTPTransport(&http.Client{Timeout: 2 * time.Second}, wire.TargetPS5V1)
	transport.client.Transport = redirectToTestServer{addr: server.Listener.Addr().String()}

	if _, _, _, err := transport.Exchange(context.Background(), "192.168.1.100", "12345678", "nD1Ho0mY7wY="); err == nil {
		t.Fatal("Exchange() error = nil, want error for malformed registkey")
	}
}

// redirectToTestServer forces every request onto the local httptest
// server regardless of the host the transport dialled, since the
// registration URL is built from a synthetic console IP.
type redirectToTestServer struct {
	addr string
}

func (rt redirectToTestServer) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Host = rt.addr
	return http.DefaultTransport.RoundTrip(req)
}
