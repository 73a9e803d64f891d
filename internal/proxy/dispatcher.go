package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/internal/tlsutil"
	"github.com/katanemo/archgw/types"
)

// Dispatcher performs the outbound HTTP calls the filters request. Every
// dispatched call is answered by exactly one CalloutResponse delivered on the
// channel handed to Dispatch; deadline expiry and transport failures surface
// as non-2xx responses.
type Dispatcher struct {
	clusters *Clusters
	client   *http.Client
	logger   *zap.Logger
	nextID   atomic.Uint64
}

// NewDispatcher creates the dispatcher with a hardened shared client.
// Per-call deadlines come from CallArgs, not the client.
func NewDispatcher(clusters *Clusters, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		clusters: clusters,
		client:   tlsutil.SecureHTTPClient(0),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch starts the call and returns its correlation token. The response is
// delivered asynchronously on results.
func (d *Dispatcher) Dispatch(args host.CallArgs, results chan<- host.CalloutResponse) (uint64, error) {
	authority := headerValue(args.Headers, ":authority")
	if authority == "" {
		authority = args.Upstream
	}
	baseURL, err := d.clusters.ResolveAuthority(authority)
	if err != nil {
		return 0, err
	}

	method := headerValue(args.Headers, ":method")
	if method == "" {
		method = http.MethodPost
	}
	path := headerValue(args.Headers, ":path")
	if path == "" {
		path = args.Path
	}

	timeout := args.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	token := d.nextID.Add(1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var body io.Reader
		if args.Body != nil {
			body = bytes.NewReader(args.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
		if err != nil {
			results <- host.CalloutResponse{TokenID: token, Status: http.StatusInternalServerError, Body: []byte(err.Error())}
			return
		}
		for _, h := range args.Headers {
			if strings.HasPrefix(h.Name, ":") {
				continue
			}
			req.Header.Add(h.Name, h.Value)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Debug("outbound call failed",
				zap.String("authority", authority),
				zap.String("path", path),
				zap.Error(err))
			results <- host.CalloutResponse{TokenID: token, Status: http.StatusGatewayTimeout, Body: []byte(err.Error())}
			return
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			results <- host.CalloutResponse{TokenID: token, Status: http.StatusBadGateway, Body: []byte(err.Error())}
			return
		}
		results <- host.CalloutResponse{TokenID: token, Status: resp.StatusCode, Body: respBody}
	}()

	return token, nil
}

func headerValue(headers []host.HeaderPair, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// requestIDOrNew returns the inbound request id, minting one when absent so
// callouts stay correlatable in logs.
func requestIDOrNew(r *http.Request) string {
	if id := r.Header.Get(types.RequestIDHeader); id != "" {
		return id
	}
	return newRequestID()
}
