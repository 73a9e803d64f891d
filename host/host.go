// Package host defines the capability surface the gateway filters require
// from their host runtime: header and body access on the paused stream,
// outbound call dispatch with token correlation, local replies, and flow
// control. The in-process runtime under internal/proxy implements it; tests
// implement it with fakes.
package host

import (
	"fmt"
	"time"
)

// Action is a filter's answer to a lifecycle event.
type Action int

const (
	// ActionContinue lets the host proceed with the stream.
	ActionContinue Action = iota
	// ActionPause suspends the stream until the filter resumes it or replies
	// locally.
	ActionPause
)

// HeaderPair is an ordered header entry. Pseudo-headers (":method", ":path",
// ":authority") follow the conventions of the host's HTTP model.
type HeaderPair struct {
	Name  string
	Value string
}

// CallArgs describes one outbound HTTP call.
type CallArgs struct {
	// Upstream is the cluster the host resolves the call against.
	Upstream string
	// Path is the request path, also present in the ":path" pseudo-header.
	Path string
	// Headers carries pseudo-headers and regular headers in order.
	Headers []HeaderPair
	// Body is the request body, or nil.
	Body []byte
	// Trailers are appended after the body, if any.
	Trailers []HeaderPair
	// Timeout is the call deadline; expiry surfaces as a non-2xx response.
	Timeout time.Duration
}

// NewCallArgs assembles call arguments.
func NewCallArgs(upstream, path string, headers []HeaderPair, body []byte, timeout time.Duration) CallArgs {
	return CallArgs{Upstream: upstream, Path: path, Headers: headers, Body: body, Timeout: timeout}
}

// CalloutResponse is the host's answer to a dispatched call, correlated by
// the token returned at dispatch time.
type CalloutResponse struct {
	TokenID uint64
	Status  int
	Body    []byte
}

// Dispatcher issues outbound calls. Every successful dispatch is answered by
// exactly one callout response delivered to the owning stream.
type Dispatcher interface {
	// DispatchHTTPCall starts an outbound call and returns its correlation
	// token. An error means the host refused the call outright.
	DispatchHTTPCall(args CallArgs) (uint64, error)
}

// StreamHost is the per-stream capability set.
type StreamHost interface {
	Dispatcher

	// RequestHeader reads a request header ("" when absent). Pseudo-headers
	// such as ":path" are addressable.
	RequestHeader(name string) string
	// SetRequestHeader sets or replaces a request header.
	SetRequestHeader(name, value string)
	// AddRequestHeader appends a request header.
	AddRequestHeader(name, value string)
	// RemoveRequestHeader deletes a request header.
	RemoveRequestHeader(name string)
	// SetRequestBody replaces the buffered request body before it is
	// forwarded upstream.
	SetRequestBody(body []byte)

	// RemoveResponseHeader deletes a response header.
	RemoveResponseHeader(name string)
	// SetResponseBody replaces the buffered response body before it is
	// returned to the caller.
	SetResponseBody(body []byte)

	// SendLocalReply short-circuits the stream with a locally generated
	// response and terminates it.
	SendLocalReply(status int, headers []HeaderPair, body []byte)
	// Resume continues a paused stream.
	Resume()
}

// FilterHost is the capability set of a root filter context: outbound calls
// plus the periodic tick used by the bootstrap.
type FilterHost interface {
	Dispatcher

	// SetTickPeriod schedules OnTick every period; zero disables ticking.
	SetTickPeriod(period time.Duration)
}

// StreamHandler receives the lifecycle events of one HTTP stream.
type StreamHandler interface {
	// OnRequestHeaders fires once the request headers are available.
	OnRequestHeaders() Action
	// OnRequestBody fires per buffered body chunk; endOfStream marks the
	// final one.
	OnRequestBody(body []byte, endOfStream bool) Action
	// OnResponseHeaders fires once upstream response headers are available.
	OnResponseHeaders() Action
	// OnResponseBody fires per buffered response chunk.
	OnResponseBody(body []byte, endOfStream bool) Action
	// OnCalloutResponse delivers the answer to a dispatched outbound call.
	OnCalloutResponse(resp CalloutResponse)
}

// TickHandler receives the periodic tick of a root filter context.
type TickHandler interface {
	OnTick()
}

// Gauge is the minimal metric surface the callout table maintains.
type Gauge interface {
	Inc()
	Dec()
}

// Callouts is the pending-call table of one context, keyed by dispatch token.
// Inserting a duplicate token is a programmer error and panics.
type Callouts[C any] struct {
	pending map[uint64]C
	gauge   Gauge
}

// NewCallouts creates an empty table. The gauge tracks in-flight calls and
// may be nil.
func NewCallouts[C any](gauge Gauge) *Callouts[C] {
	return &Callouts[C]{pending: make(map[uint64]C), gauge: gauge}
}

// Insert registers a pending call under its token.
func (c *Callouts[C]) Insert(token uint64, ctx C) {
	if _, ok := c.pending[token]; ok {
		panic(fmt.Sprintf("duplicate http call with id=%d", token))
	}
	c.pending[token] = ctx
	if c.gauge != nil {
		c.gauge.Inc()
	}
}

// Remove pops the pending call for a token.
func (c *Callouts[C]) Remove(token uint64) (C, bool) {
	ctx, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
		if c.gauge != nil {
			c.gauge.Dec()
		}
	}
	return ctx, ok
}

// Len reports the number of in-flight calls.
func (c *Callouts[C]) Len() int { return len(c.pending) }
