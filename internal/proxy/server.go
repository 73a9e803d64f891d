package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/gateway/llmgateway"
	"github.com/katanemo/archgw/gateway/prompt"
	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/internal/metrics"
	"github.com/katanemo/archgw/internal/tlsutil"
	"github.com/katanemo/archgw/llm"
	"github.com/katanemo/archgw/ratelimit"
	"github.com/katanemo/archgw/types"
)

// maxRequestBody bounds buffered request bodies.
const maxRequestBody = 16 << 20

// Server terminates the data-plane listener and drives each stream through
// the filter chain: prompt gateway first (unless mode is llm), then the llm
// gateway, then the selected provider upstream.
type Server struct {
	mode         config.GatewayMode
	promptFilter *prompt.FilterContext
	providers    *llm.Providers
	ratelimits   *ratelimit.Engine
	clusters     *Clusters
	dispatcher   *Dispatcher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	upstream     *http.Client
}

// NewServer wires the data-plane handler. promptFilter may be nil when mode
// is llm.
func NewServer(
	mode config.GatewayMode,
	promptFilter *prompt.FilterContext,
	providers *llm.Providers,
	limits *ratelimit.Engine,
	clusters *Clusters,
	dispatcher *Dispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		mode:         mode,
		promptFilter: promptFilter,
		providers:    providers,
		ratelimits:   limits,
		clusters:     clusters,
		dispatcher:   dispatcher,
		metrics:      m,
		logger:       logger.With(zap.String("component", "proxy")),
		upstream:     tlsutil.SecureHTTPClient(0),
	}
}

// ServeHTTP implements the data plane.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Header.Set(types.RequestIDHeader, requestIDOrNew(r))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var promptCtx *prompt.StreamContext
	promptHost := newStreamHost(r, s.dispatcher)

	if s.mode == config.ModePrompt && s.promptFilter != nil {
		if !s.promptFilter.Ready() {
			http.Error(w, "embedding store is not ready", http.StatusServiceUnavailable)
			return
		}
		promptCtx = prompt.NewStreamContext(promptHost, s.promptFilter.StreamConfig(), s.metrics, s.logger)
		if done := s.runRequestPhase(w, promptCtx, promptHost, body); done {
			return
		}
		if promptHost.requestBody != nil {
			body = promptHost.requestBody
		}
	}

	llmHost := newStreamHostFromParts(promptHost.method, promptHost.path, promptHost.authority, promptHost.reqHeader, s.dispatcher)
	llmCtx := llmgateway.NewStreamContext(llmHost, s.providers, s.ratelimits, s.metrics, s.logger)
	if done := s.runRequestPhase(w, llmCtx, llmHost, body); done {
		return
	}
	if llmHost.requestBody != nil {
		body = llmHost.requestBody
	}

	if llmHost.path != types.ChatCompletionsPath {
		http.NotFound(w, r)
		return
	}

	s.forwardUpstream(w, r, llmHost, llmCtx, promptCtx, promptHost, body)
}

// runRequestPhase feeds the request-side events into one filter and pumps
// callout responses until it either replies locally, resumes, or simply
// continues. It returns true when the stream is finished.
func (s *Server) runRequestPhase(w http.ResponseWriter, ctx host.StreamHandler, h *streamHost, body []byte) bool {
	ctx.OnRequestHeaders()
	if h.reply != nil {
		writeLocalReply(w, h.reply)
		return true
	}

	action := ctx.OnRequestBody(body, true)
	for action == host.ActionPause && !h.terminal() {
		if pending, ok := ctx.(interface{ PendingCallouts() int }); ok && pending.PendingCallouts() == 0 {
			s.logger.Error("stream paused with no pending callouts")
			http.Error(w, "internal gateway error", http.StatusInternalServerError)
			return true
		}
		resp := <-h.results
		ctx.OnCalloutResponse(resp)
	}

	if h.reply != nil {
		writeLocalReply(w, h.reply)
		return true
	}
	return false
}

// forwardUpstream sends the canonicalized request to the selected provider
// and streams the answer back through the response-side filter events.
func (s *Server) forwardUpstream(
	w http.ResponseWriter,
	r *http.Request,
	llmHost *streamHost,
	llmCtx *llmgateway.StreamContext,
	promptCtx *prompt.StreamContext,
	promptHost *streamHost,
	body []byte,
) {
	providerName := llmHost.reqHeader.Get(types.ArchRoutingHeader)
	provider, ok := s.providers.Get(providerName)
	if !ok {
		http.Error(w, "no provider selected", http.StatusInternalServerError)
		return
	}
	baseURL, err := s.clusters.ResolveProvider(provider)
	if err != nil {
		s.logger.Error("cannot resolve provider upstream", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), llmHost.method, baseURL+llmHost.path, strings.NewReader(string(body)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	copyForwardHeaders(req.Header, llmHost.reqHeader)

	resp, err := s.upstream.Do(req)
	if err != nil {
		s.logger.Warn("upstream request failed", zap.String("provider", provider.Name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	llmCtx.OnResponseHeaders()
	if promptCtx != nil {
		promptCtx.OnResponseHeaders()
	}
	copyResponseHeaders(w.Header(), resp.Header)

	if isEventStream(resp.Header) {
		s.relayStream(w, resp, llmCtx)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	llmCtx.OnResponseBody(respBody, true)
	if promptCtx != nil {
		promptCtx.OnResponseBody(respBody, true)
		if promptHost.responseBody != nil {
			respBody = promptHost.responseBody
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// relayStream pipes SSE chunks to the caller while the llm gateway observes
// them. The prompt gateway does not rewrite streaming responses.
func (s *Server) relayStream(w http.ResponseWriter, resp *http.Response, llmCtx *llmgateway.StreamContext) {
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			llmCtx.OnResponseBody(chunk, false)
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			llmCtx.OnResponseBody(nil, true)
			return
		}
	}
}

func writeLocalReply(w http.ResponseWriter, reply *localReply) {
	for _, h := range reply.headers {
		w.Header().Set(h.Name, h.Value)
	}
	w.WriteHeader(reply.status)
	_, _ = w.Write(reply.body)
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		switch strings.ToLower(name) {
		case "host", "content-length", "connection":
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if strings.EqualFold(name, "content-length") {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("content-type"), "text/event-stream")
}
