package registration

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

// Header names on the PIN-registration POST. The console's exact
// registration wire format is not available in any retrieved source
// (spec.md 4.D abstracts it entirely behind Transport); this mirrors the
// header-carried-fields convention internal/wire/sessioninit.go uses for
// the later session-init POST, the one registration-adjacent exchange
// whose header shape the available material does confirm.
const (
	headerPIN           = "RP-RegistPIN"
	headerAccountID     = "RP-AccountId"
	respHeaderRegistkey = "RP-Registkey"
	respHeaderMorning   = "RP-Morning-Key"
	respHeaderNickname  = "RP-Server-Nickname"
)

// HTTPTransport performs the PIN exchange over a single HTTP POST to the
// console's registration endpoint.
type HTTPTransport struct {
	client *http.Client
	target wire.Target
}

// NewHTTPTransport constructs a Transport bound to target's registration
// port (the same UDP/TCP base port family the discovery engine probes;
// registration runs over HTTP on that same host).
func NewHTTPTransport(client *http.Client, target wire.Target) *HTTPTransport {
	return &HTTPTransport{client: client, target: target}
}

// Exchange performs one registration round trip.
func (t *HTTPTransport) Exchange(ctx context.Context, consoleIP, pin, accountIDB64 string) ([]byte, [16]byte, string, error) {
	var morning [16]byte

	url := fmt.Sprintf("http://%s:%d/sce/rp/regist", consoleIP, t.target.RequestPort())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, morning, "", rperrors.Wrap(rperrors.Protocol, "build registration request", err)
	}
	req.Header.Set(headerPIN, pin)
	req.Header.Set(headerAccountID, accountIDB64)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, morning, "", rperrors.Classify("registration POST", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, morning, "", rperrors.ClassifyHTTPStatus(resp.StatusCode)
	}

	regkeyRaw, err := hex.DecodeString(resp.Header.Get(respHeaderRegistkey))
	if err != nil || len(regkeyRaw) == 0 {
		return nil, morning, "", rperrors.New(rperrors.Protocol, "missing or malformed registkey in registration response")
	}

	morningRaw, err := base64.StdEncoding.DecodeString(resp.Header.Get(respHeaderMorning))
	if err != nil || len(morningRaw) != 16 {
		return nil, morning, "", rperrors.New(rperrors.Protocol, "missing or malformed morning key in registration response")
	}
	copy(morning[:], morningRaw)

	nickname := resp.Header.Get(respHeaderNickname)
	return regkeyRaw, morning, nickname, nil
}
