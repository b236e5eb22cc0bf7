package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/breaker"
	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/memory"
	"github.com/relayproxy/relay/internal/metrics"
	"github.com/relayproxy/relay/internal/pool"
	"github.com/relayproxy/relay/internal/providers"
	"github.com/relayproxy/relay/internal/router"
	"github.com/relayproxy/relay/internal/sse"
	"github.com/relayproxy/relay/internal/toolselect"
	"github.com/relayproxy/relay/internal/translate"
)

// maxResponseBody bounds upstream response reads.
const maxResponseBody = 32 << 20

// toolTokenBudget caps the estimated schema cost of injected tools.
const toolTokenBudget = 2500

// Dispatcher runs the request lifecycle. All fields are process-lifetime
// singletons; a dispatch borrows them and none escape.
type Dispatcher struct {
	cfg      *config.Config
	registry *providers.Registry
	router   *router.Router
	analyzer *analyzer.Analyzer
	breakers *breaker.Registry
	pool     *pool.Pool
	metrics  *metrics.Collector
	memory   *memory.Service
	ring     *router.Ring
	logger   *slog.Logger
}

// Deps collects the dispatcher's collaborators.
type Deps struct {
	Config   *config.Config
	Registry *providers.Registry
	Router   *router.Router
	Analyzer *analyzer.Analyzer
	Breakers *breaker.Registry
	Pool     *pool.Pool
	Metrics  *metrics.Collector
	Memory   *memory.Service
	Ring     *router.Ring
	Logger   *slog.Logger
}

// New wires a dispatcher.
func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      deps.Config,
		registry: deps.Registry,
		router:   deps.Router,
		analyzer: deps.Analyzer,
		breakers: deps.Breakers,
		pool:     deps.Pool,
		metrics:  deps.Metrics,
		memory:   deps.Memory,
		ring:     deps.Ring,
		logger:   logger,
	}
}

// Outcome is a completed non-streaming dispatch.
type Outcome struct {
	Response *canonical.Response
	Decision router.Decision
	Analysis analyzer.Result
}

// Dispatch runs a non-streaming request end to end: analyze, route, prune
// tools, translate, send with retry under the provider's breaker, translate
// back, then fall back once if the primary was local and the failure class
// permits it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *canonical.Request) (*Outcome, *Error) {
	req.Messages = canonical.Normalize(req.Messages)

	analysis := d.analyzer.Analyze(ctx, req)
	decision := d.router.Route(analysis)

	sessionID := metadataString(req.Metadata, "session_id")
	d.injectMemories(ctx, req, sessionID)
	d.prepareTools(req, analysis, decision.Provider)

	resp, err := d.dispatchTo(ctx, decision.Provider, decision.Model, req)
	if err != nil {
		resp, decision, err = d.maybeFallback(ctx, req, decision, analysis, err)
	}

	if d.ring != nil {
		d.ring.Record(decision)
	}
	if err != nil {
		return nil, err
	}

	d.memory.Remember(ctx, sessionID, resp.ID, responseText(resp))

	return &Outcome{Response: resp, Decision: decision, Analysis: analysis}, nil
}

// maybeFallback retries once on the fallback provider. Only local-family
// primaries fall back, only when enabled, and only for eligible failures.
func (d *Dispatcher) maybeFallback(ctx context.Context, req *canonical.Request, decision router.Decision, analysis analyzer.Result, derr *Error) (*canonical.Response, router.Decision, *Error) {
	if !providers.IsLocal(decision.Provider) || !d.router.FallbackEnabled() || !derr.FallbackEligible() {
		return nil, decision, derr
	}

	cause := derr.Kind
	if cause == KindBreakerOpen {
		cause = "circuit_breaker"
	}

	target := d.router.FallbackProvider()
	d.logger.Warn("falling back",
		"from", decision.Provider, "to", target, "cause", cause)

	resp, ferr := d.dispatchTo(ctx, target, "", req)
	if d.metrics != nil {
		d.metrics.RecordFallback(cause, ferr == nil)
	}
	if ferr != nil {
		// The fallback's error is the actionable one; the primary failure
		// stays in the log.
		d.logger.Error("fallback failed",
			"provider", target, "error", ferr, "primary_error", derr)
		return nil, decision, ferr
	}

	decision = router.Decision{
		Provider:       target,
		Model:          resp.Model,
		Method:         router.MethodFallback,
		Score:          analysis.Score,
		Threshold:      analysis.Threshold,
		Mode:           analysis.Mode,
		FallbackReason: cause,
	}
	return resp, decision, nil
}

// injectMemories prepends recalled context to the system prompt.
func (d *Dispatcher) injectMemories(ctx context.Context, req *canonical.Request, sessionID string) {
	if d.memory == nil || !d.cfg.Memory.Enabled {
		return
	}
	query := lastUserText(req.Messages)
	recalled := d.memory.Recall(ctx, sessionID, query, d.cfg.Memory.InjectTopK)
	if recalled == "" {
		return
	}
	system := req.SystemText()
	if system != "" {
		system = recalled + "\n" + system
	} else {
		system = recalled
	}
	req.SetSystemText(system)
}

// prepareTools injects the default catalog when the request carries none and
// the provider permits it, then prunes per classification and budget.
func (d *Dispatcher) prepareTools(req *canonical.Request, analysis analyzer.Result, provider string) {
	desc, ok := d.registry.Get(provider)
	if !ok {
		return
	}
	tools := req.Tools
	if providers.ShouldInjectCatalog(desc, len(tools), d.cfg.LocalToolInjection) {
		tools = providers.DefaultCatalog()
	}
	req.Tools = toolselect.Select(tools, analysis, provider, d.cfg.Mode, toolTokenBudget)
}

// dispatchTo sends the request to one provider under its breaker with the
// retry policy. model overrides the descriptor's default when non-empty.
func (d *Dispatcher) dispatchTo(ctx context.Context, provider, model string, req *canonical.Request) (*canonical.Response, *Error) {
	desc, ok := d.registry.Get(provider)
	if !ok {
		return nil, NewError(KindConfig, fmt.Sprintf("provider %s not configured", provider), nil)
	}
	if desc.BaseURL == "" {
		return nil, NewError(KindConfig, fmt.Sprintf("provider %s has no endpoint", provider), nil)
	}

	if model == "" {
		model = desc.Model
	}
	if model == "" {
		model = req.Model
	}

	br := d.breakers.Get(provider)
	if err := br.Allow(); err != nil {
		if d.metrics != nil {
			d.metrics.RecordFailure(provider, KindBreakerOpen)
		}
		return nil, NewError(KindBreakerOpen, fmt.Sprintf("provider %s circuit open", provider), err)
	}

	var resp *canonical.Response
	start := time.Now()

	// The body is re-marshaled per attempt inside sendOnce, so no retry ever
	// observes a partially consumed request.
	err := withRetry(ctx, d.cfg.Retry, func() error {
		if d.metrics != nil {
			d.metrics.RecordAttempt(provider)
		}
		r, err := d.sendOnce(ctx, desc, model, req)
		if err != nil {
			derr := AsError(err)
			if derr.BreakerCounted() {
				br.RecordFailure()
			}
			if d.metrics != nil {
				d.metrics.RecordFailure(provider, derr.Kind)
			}
			return derr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, AsError(err)
	}

	br.RecordSuccess()
	if d.metrics != nil {
		d.metrics.RecordSuccess(provider, time.Since(start),
			resp.Usage.InputTokens, resp.Usage.OutputTokens, desc.Local())
	}
	return resp, nil
}

// sendOnce performs a single translate-send-translate round trip.
func (d *Dispatcher) sendOnce(ctx context.Context, desc *providers.Descriptor, model string, req *canonical.Request) (*canonical.Response, error) {
	if desc.Family == providers.FamilyTinyFish {
		return d.sendAgent(ctx, desc, req)
	}

	body, err := d.buildBody(desc, model, req)
	if err != nil {
		return nil, NewError(KindInvalidRequest, err.Error(), err)
	}

	raw, status, err := d.post(ctx, desc, body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		derr := NewError(ClassifyStatus(status), upstreamErrorMessage(raw), nil)
		derr.Status = status
		return nil, derr
	}

	resp, err := d.parseResponse(desc, model, raw)
	if err != nil {
		if errors.Is(err, translate.ErrNoChoices) || errors.Is(err, translate.ErrNoMessage) || errors.Is(err, translate.ErrNoOutput) {
			return nil, NewError(KindNoChoices, err.Error(), err)
		}
		return nil, NewError(KindNoChoices, "malformed upstream response: "+err.Error(), err)
	}
	return resp, nil
}

// buildBody translates the canonical request into the family's wire shape.
func (d *Dispatcher) buildBody(desc *providers.Descriptor, model string, req *canonical.Request) ([]byte, error) {
	switch desc.Family {
	case providers.FamilyOpenAIChat, providers.FamilyAzureResponses:
		opts := translate.OpenAIOptions{
			UseMaxCompletionTokens: desc.Family == providers.FamilyAzureResponses,
		}
		out := translate.ToOpenAIRequest(req, model, opts)
		out.Stream = false // no canonical-SSE translator for this family
		if desc.Local() {
			out.Messages = translate.CompactOpenAIMessages(out.Messages, d.logger)
		}
		return json.Marshal(out)

	case providers.FamilyOllama:
		out := translate.ToOllamaRequest(req, model)
		out.Messages = translate.CompactOllamaMessages(out.Messages, d.logger)
		return json.Marshal(out)

	case providers.FamilyBedrock:
		return json.Marshal(translate.ToBedrockRequest(req))

	case providers.FamilyAnthropic:
		// Wire shape is already canonical; only the model is rewritten.
		clone := *req
		clone.Model = model
		clone.Stream = false
		return json.Marshal(&clone)

	default:
		return nil, fmt.Errorf("family %s has no batch body shape", desc.Family)
	}
}

// parseResponse translates the upstream body back to the canonical shape.
func (d *Dispatcher) parseResponse(desc *providers.Descriptor, model string, raw []byte) (*canonical.Response, error) {
	switch desc.Family {
	case providers.FamilyOpenAIChat, providers.FamilyAzureResponses:
		return translate.FromOpenAIResponse(raw, model)
	case providers.FamilyOllama:
		return translate.FromOllamaResponse(raw, model)
	case providers.FamilyBedrock:
		return translate.FromBedrockResponse(raw, model)
	case providers.FamilyAnthropic:
		var resp canonical.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		resp.Model = model
		return &resp, nil
	default:
		return nil, fmt.Errorf("family %s has no batch response shape", desc.Family)
	}
}

// post sends one HTTP request and returns the decompressed body and status.
// Transport and timeout failures come back classified.
func (d *Dispatcher) post(ctx context.Context, desc *providers.Descriptor, body []byte) ([]byte, int, error) {
	endpoint, err := desc.EndpointURL()
	if err != nil {
		return nil, 0, NewError(KindConfig, err.Error(), err)
	}

	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, NewError(KindInvalidRequest, err.Error(), err)
	}
	for k, v := range desc.BuildHeaders() {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := d.pool.Batch().Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, 0, NewError(KindTimeout, fmt.Sprintf("provider %s timed out", desc.Name), err)
		}
		return nil, 0, NewError(KindTransport, err.Error(), err)
	}
	defer httpResp.Body.Close()

	reader, err := decompressReader(httpResp)
	if err != nil {
		return nil, 0, NewError(KindTransport, err.Error(), err)
	}

	raw, err := io.ReadAll(io.LimitReader(reader, maxResponseBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, NewError(KindTimeout, fmt.Sprintf("provider %s timed out mid-body", desc.Name), err)
		}
		return nil, 0, NewError(KindTransport, err.Error(), err)
	}
	return raw, httpResp.StatusCode, nil
}

// decompressReader unwraps gzip and brotli response bodies.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// upstreamErrorMessage pulls a human-readable message out of an upstream
// error body, falling back to the raw text.
func upstreamErrorMessage(raw []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := string(raw)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func metadataString(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

func lastUserText(messages []canonical.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == canonical.RoleUser {
			return messages[i].FlatText()
		}
	}
	return ""
}

func responseText(resp *canonical.Response) string {
	out := ""
	for _, b := range resp.Content {
		if b.Type == canonical.BlockText && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Stream opens a streaming dispatch for pass-through-capable families. No
// retry applies; errors surface directly. The caller owns the body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Provider    string
}

// DispatchStream sends a streaming request to the routed provider. Families
// whose SSE cannot be passed through canonically reject with invalid_request;
// the handler downgrades those to batch before calling this.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *canonical.Request) (*Stream, router.Decision, *Error) {
	req.Messages = canonical.Normalize(req.Messages)

	analysis := d.analyzer.Analyze(ctx, req)
	decision := d.router.Route(analysis)

	desc, ok := d.registry.Get(decision.Provider)
	if !ok {
		return nil, decision, NewError(KindConfig, fmt.Sprintf("provider %s not configured", decision.Provider), nil)
	}
	if !desc.SupportsStreaming() {
		return nil, decision, NewError(KindInvalidRequest, fmt.Sprintf("provider %s cannot stream canonically", decision.Provider), nil)
	}

	model := decision.Model
	if model == "" {
		model = desc.Model
	}

	br := d.breakers.Get(decision.Provider)
	if err := br.Allow(); err != nil {
		return nil, decision, NewError(KindBreakerOpen, fmt.Sprintf("provider %s circuit open", decision.Provider), err)
	}

	var payload any
	if desc.Family == providers.FamilyTinyFish {
		task, terr := buildAgentTask(req)
		if terr != nil {
			return nil, decision, terr
		}
		payload = task
	} else {
		clone := *req
		clone.Model = model
		clone.Stream = true
		payload = &clone
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, decision, NewError(KindInvalidRequest, err.Error(), err)
	}

	endpoint, eerr := desc.EndpointURL()
	if eerr != nil {
		return nil, decision, NewError(KindConfig, eerr.Error(), eerr)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, decision, NewError(KindInvalidRequest, err.Error(), err)
	}
	for k, v := range desc.BuildHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := d.pool.Stream().Do(httpReq)
	if err != nil {
		br.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, decision, NewError(KindTimeout, err.Error(), err)
		}
		return nil, decision, NewError(KindTransport, err.Error(), err)
	}
	if httpResp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		httpResp.Body.Close()
		br.RecordFailure()
		derr := NewError(ClassifyStatus(httpResp.StatusCode), upstreamErrorMessage(raw), nil)
		derr.Status = httpResp.StatusCode
		return nil, decision, derr
	}

	br.RecordSuccess()
	if d.ring != nil {
		d.ring.Record(decision)
	}
	return &Stream{
		Body:        httpResp.Body,
		ContentType: httpResp.Header.Get("Content-Type"),
		Provider:    decision.Provider,
	}, decision, nil
}

// agentRequest is the TinyFish browser-automation task shape.
type agentRequest struct {
	URL            string `json:"url"`
	Goal           string `json:"goal"`
	BrowserProfile string `json:"browserProfile,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
}

// buildAgentTask assembles the browser-automation task from request metadata,
// falling back to the last user turn for the goal.
func buildAgentTask(req *canonical.Request) (agentRequest, *Error) {
	task := agentRequest{
		URL:            metadataString(req.Metadata, "url"),
		Goal:           metadataString(req.Metadata, "goal"),
		BrowserProfile: metadataString(req.Metadata, "browser_profile"),
		Proxy:          metadataString(req.Metadata, "proxy"),
	}
	if task.Goal == "" {
		task.Goal = lastUserText(req.Messages)
	}
	if task.Goal == "" {
		return agentRequest{}, NewError(KindInvalidRequest, "agent dispatch requires a goal", nil)
	}
	return task, nil
}

// sendAgent posts a browser-automation task and consumes the SSE stream until
// the COMPLETE event. A COMPLETE with non-success status is a provider error,
// not a transport error.
func (d *Dispatcher) sendAgent(ctx context.Context, desc *providers.Descriptor, req *canonical.Request) (*canonical.Response, error) {
	task, terr := buildAgentTask(req)
	if terr != nil {
		return nil, terr
	}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, NewError(KindInvalidRequest, err.Error(), err)
	}

	endpoint, eerr := desc.EndpointURL()
	if eerr != nil {
		return nil, NewError(KindConfig, eerr.Error(), eerr)
	}

	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindInvalidRequest, err.Error(), err)
	}
	for k, v := range desc.BuildHeaders() {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := d.pool.Stream().Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, err.Error(), err)
		}
		return nil, NewError(KindTransport, err.Error(), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		derr := NewError(ClassifyStatus(httpResp.StatusCode), upstreamErrorMessage(raw), nil)
		derr.Status = httpResp.StatusCode
		return nil, derr
	}

	reader := sse.NewReader(httpResp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return nil, NewError(KindNoChoices, "stream ended without COMPLETE event", nil)
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewError(KindTimeout, "agent stream timed out", err)
			}
			return nil, NewError(KindTransport, err.Error(), err)
		}

		var frame struct {
			Event      string          `json:"event"`
			Status     string          `json:"status"`
			Message    string          `json:"message"`
			ResultJSON json.RawMessage `json:"resultJson"`
		}
		if jerr := json.Unmarshal(ev.Data, &frame); jerr != nil {
			continue // heartbeat or non-JSON frame
		}

		name := ev.Name
		if name == "" {
			name = frame.Event
		}
		if name != "COMPLETE" {
			continue
		}

		switch frame.Status {
		case "COMPLETED", "SUCCESS":
			text := string(frame.ResultJSON)
			var s string
			if json.Unmarshal(frame.ResultJSON, &s) == nil {
				text = s
			}
			return &canonical.Response{
				ID:         translate.NewMessageID(),
				Type:       "message",
				Role:       canonical.RoleAssistant,
				Model:      req.Model,
				Content:    []canonical.ContentBlock{canonical.TextBlock(text)},
				StopReason: canonical.StopEndTurn,
			}, nil
		default:
			msg := frame.Message
			if msg == "" {
				msg = "agent task failed with status " + frame.Status
			}
			return nil, NewError(KindServerError, msg, nil)
		}
	}
}
