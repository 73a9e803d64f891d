package proxy

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/katanemo/archgw/host"
)

func newRequestID() string { return uuid.NewString() }

// localReply is a short-circuit response recorded by a filter.
type localReply struct {
	status  int
	headers []host.HeaderPair
	body    []byte
}

// streamHost is the per-stream implementation of host.StreamHost. It buffers
// the request and response bodies of one stream, records header mutations,
// and funnels callout responses through a channel so the driver can keep the
// stream single-threaded.
type streamHost struct {
	dispatcher *Dispatcher
	results    chan host.CalloutResponse

	method    string
	path      string
	authority string
	reqHeader http.Header

	respHeader http.Header

	requestBody  []byte
	responseBody []byte

	reply   *localReply
	resumed bool
}

func newStreamHost(r *http.Request, dispatcher *Dispatcher) *streamHost {
	return &streamHost{
		dispatcher: dispatcher,
		results:    make(chan host.CalloutResponse, 8),
		method:     r.Method,
		path:       r.URL.Path,
		authority:  r.Host,
		reqHeader:  r.Header.Clone(),
		respHeader: make(http.Header),
	}
}

// newStreamHostFromParts builds a stream host over already-extracted request
// state, used when a later filter in the chain picks up where an earlier one
// left off.
func newStreamHostFromParts(method, path, authority string, header http.Header, dispatcher *Dispatcher) *streamHost {
	return &streamHost{
		dispatcher: dispatcher,
		results:    make(chan host.CalloutResponse, 8),
		method:     method,
		path:       path,
		authority:  authority,
		reqHeader:  header,
		respHeader: make(http.Header),
	}
}

// DispatchHTTPCall implements host.Dispatcher.
func (h *streamHost) DispatchHTTPCall(args host.CallArgs) (uint64, error) {
	return h.dispatcher.Dispatch(args, h.results)
}

// RequestHeader implements pseudo-header-aware reads.
func (h *streamHost) RequestHeader(name string) string {
	switch name {
	case ":path":
		return h.path
	case ":method":
		return h.method
	case ":authority":
		return h.authority
	}
	return h.reqHeader.Get(name)
}

func (h *streamHost) SetRequestHeader(name, value string) {
	if strings.HasPrefix(name, ":") {
		h.setPseudo(name, value)
		return
	}
	h.reqHeader.Set(name, value)
}

func (h *streamHost) AddRequestHeader(name, value string) {
	if strings.HasPrefix(name, ":") {
		h.setPseudo(name, value)
		return
	}
	h.reqHeader.Add(name, value)
}

func (h *streamHost) RemoveRequestHeader(name string) {
	h.reqHeader.Del(name)
}

func (h *streamHost) setPseudo(name, value string) {
	switch name {
	case ":path":
		h.path = value
	case ":method":
		h.method = value
	case ":authority":
		h.authority = value
	}
}

func (h *streamHost) SetRequestBody(body []byte) { h.requestBody = body }

func (h *streamHost) RemoveResponseHeader(name string) { h.respHeader.Del(name) }

func (h *streamHost) SetResponseBody(body []byte) { h.responseBody = body }

// SendLocalReply records the short-circuit response; the driver writes it and
// terminates the stream.
func (h *streamHost) SendLocalReply(status int, headers []host.HeaderPair, body []byte) {
	if h.reply != nil {
		return
	}
	h.reply = &localReply{status: status, headers: headers, body: body}
}

// Resume marks the paused stream as continuable.
func (h *streamHost) Resume() { h.resumed = true }

// terminal reports whether the filter has decided the stream's fate.
func (h *streamHost) terminal() bool { return h.reply != nil || h.resumed }
