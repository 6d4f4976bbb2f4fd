package signaling

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/errs"
)

// clientVersion is reported to the signaling server's id-allocation
// endpoint (§6); it identifies this implementation, not a protocol version
// negotiation.
const clientVersion = "1.0.0"

// RetrieveID fetches a freshly-assigned PeerId from the signaling server's
// HTTP id-allocation endpoint (§6):
//
//	GET {scheme}://{host}:{port}{path}{key}/id?ts=<unix-ms-with-random>&version=<semver>
//
// Grounded on the teacher's HTTP-free design (the tunnel never allocates
// ids from a server) is not available; instead this follows the wire
// contract documented in §6 directly, using the same gorilla/websocket +
// net/http pairing the teacher already depends on for its signaling
// transport.
func RetrieveID(ctx context.Context, opts config.Options) (string, error) {
	scheme := "http"
	if opts.Secure {
		scheme = "https"
	}

	ts := fmt.Sprintf("%d%04d", time.Now().UnixMilli(), rand.Intn(10000))
	url := fmt.Sprintf("%s://%s:%d%s%s/id?ts=%s&version=%s",
		scheme, opts.Host, opts.Port, opts.Path, opts.Key, ts, clientVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Wrap(errs.ServerError, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.Network, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Wrap(errs.ServerError, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errs.Wrap(errs.ServerError, fmt.Errorf("id allocation failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", errs.New(errs.ServerError)
	}
	return id, nil
}
