package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/procflow-go/flow"
)

const (
	// DefaultDispatchTimeout bounds an /execute call when the step
	// specifies no timeout of its own.
	DefaultDispatchTimeout = 30 * time.Second

	headerRunID  = "X-Run-ID"
	headerNodeID = "X-Node-ID"
	headerStepID = "X-Step-ID"
)

// executeRequest is the JSON body POSTed to an agent's /execute
// endpoint.
type executeRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	StepID string         `json:"step_id"`
	Async  bool           `json:"async,omitempty"`
}

// executeEnvelope is the expected response shape. Status "ok" carries
// Result; status "error" carries Error.
type executeEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HTTPDispatcher implements flow.Dispatcher over agent HTTP endpoints.
//
// Target resolution, in order:
//  1. An explicit base-URL binding dispatches straight to that URL.
//  2. An agent-id binding resolves the named agent in the registry.
//  3. Otherwise the registry picks a capable agent on the node's
//     channel; with none available the configured fallback URL is
//     tried before giving up with a no-executor error.
//
// Successful dispatches and failures feed the registry's circuit
// state, so a misbehaving agent drops out of rotation.
type HTTPDispatcher struct {
	registry *Registry
	client   *http.Client

	// fallbackURL, when set, receives dispatches no registered agent
	// can serve.
	fallbackURL string

	// strictEnvelope rejects responses without a status field. When
	// false, an envelope-less 2xx body is treated as the result object
	// (legacy agents).
	strictEnvelope bool

	defaultTimeout time.Duration
}

// DispatcherOption configures an HTTPDispatcher.
type DispatcherOption func(*HTTPDispatcher)

// WithHTTPClient substitutes the HTTP client (tests use the
// httptest server's client).
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *HTTPDispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithFallbackURL sets the catch-all executor URL.
func WithFallbackURL(url string) DispatcherOption {
	return func(d *HTTPDispatcher) { d.fallbackURL = url }
}

// WithStrictEnvelope requires every response to carry the
// status/result envelope.
func WithStrictEnvelope(strict bool) DispatcherOption {
	return func(d *HTTPDispatcher) { d.strictEnvelope = strict }
}

// WithDefaultTimeout overrides the per-dispatch default timeout.
func WithDefaultTimeout(d time.Duration) DispatcherOption {
	return func(hd *HTTPDispatcher) {
		if d > 0 {
			hd.defaultTimeout = d
		}
	}
}

// NewHTTPDispatcher creates a dispatcher over the registry.
func NewHTTPDispatcher(registry *Registry, opts ...DispatcherOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		registry:       registry,
		client:         &http.Client{},
		defaultTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves the executor and performs the HTTP call. See
// flow.Dispatcher for the error contract.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req flow.DispatchRequest) (map[string]any, error) {
	baseURL, agentID, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := d.post(ctx, baseURL, req)
	if err != nil {
		d.registry.RecordFailure(ctx, agentID)
		return nil, err
	}
	d.registry.RecordSuccess(ctx, agentID)
	return result, nil
}

func (d *HTTPDispatcher) resolve(ctx context.Context, req flow.DispatchRequest) (baseURL, agentID string, err error) {
	binding := req.Binding
	switch {
	case binding.Type == flow.BindAgentHTTP && binding.BaseURL != "":
		return binding.BaseURL, binding.AgentID, nil
	case binding.AgentID != "":
		inst, err := d.registry.Resolve(ctx, binding.AgentID)
		if err != nil {
			return "", "", err
		}
		return inst.BaseURL, inst.AgentID, nil
	}

	inst, err := d.registry.FindCapableAgent(ctx, req.Channel, req.Action)
	if err != nil {
		if flow.KindOf(err) == flow.KindNoExecutor && d.fallbackURL != "" {
			return d.fallbackURL, "", nil
		}
		return "", "", err
	}
	return inst.BaseURL, inst.AgentID, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, baseURL string, req flow.DispatchRequest) (map[string]any, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{
		Action: req.Action,
		Params: req.Params,
		RunID:  req.RunID,
		NodeID: req.NodeID,
		StepID: req.StepID,
		Async:  req.Async,
	})
	if err != nil {
		return nil, flow.Errorf(flow.KindInternal, "failed to encode dispatch body: %v", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/execute"
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, flow.Errorf(flow.KindInternal, "failed to build dispatch request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerRunID, req.RunID)
	httpReq.Header.Set(headerNodeID, req.NodeID)
	httpReq.Header.Set(headerStepID, req.StepID)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, flow.Errorf(flow.KindDispatch, "dispatch to %s failed: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, flow.Errorf(flow.KindDispatch, "failed to read response from %s: %v", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, flow.Errorf(flow.KindDispatch,
			"agent at %s returned HTTP %d: %s", url, resp.StatusCode, truncate(raw, 256))
	}

	// Async delegation returns no result; any 2xx acknowledges receipt.
	if req.Async {
		return nil, nil
	}
	return d.decodeEnvelope(url, raw)
}

func (d *HTTPDispatcher) decodeEnvelope(url string, raw []byte) (map[string]any, error) {
	var env executeEnvelope
	envErr := json.Unmarshal(raw, &env)

	if envErr != nil || env.Status == "" {
		if d.strictEnvelope {
			return nil, flow.Errorf(flow.KindDispatch,
				"agent at %s returned a malformed envelope: %s", url, truncate(raw, 256))
		}
		// Legacy mode: the body itself is the result object.
		var result map[string]any
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, flow.Errorf(flow.KindDispatch,
				"agent at %s returned non-JSON body: %s", url, truncate(raw, 256))
		}
		return result, nil
	}

	switch env.Status {
	case "ok", "success":
		if len(env.Result) == 0 {
			return map[string]any{}, nil
		}
		var result map[string]any
		if err := json.Unmarshal(env.Result, &result); err != nil {
			// Scalar results get wrapped so callers always see an object.
			var scalar any
			if err2 := json.Unmarshal(env.Result, &scalar); err2 != nil {
				return nil, flow.Errorf(flow.KindDispatch,
					"agent at %s returned an undecodable result: %v", url, err)
			}
			return map[string]any{"value": scalar}, nil
		}
		return result, nil
	case "error":
		msg := env.Error
		if msg == "" {
			msg = "agent reported failure without a message"
		}
		return nil, flow.Errorf(flow.KindAgentError, "%s", msg)
	default:
		return nil, flow.Errorf(flow.KindDispatch,
			"agent at %s returned unknown status %q", url, env.Status)
	}
}

// Capabilities queries the agent's GET /capabilities endpoint.
func (d *HTTPDispatcher) Capabilities(ctx context.Context, baseURL string) ([]string, error) {
	raw, err := d.get(ctx, baseURL, "/capabilities")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Some agents return a bare array.
		var caps []string
		if err2 := json.Unmarshal(raw, &caps); err2 != nil {
			return nil, flow.Errorf(flow.KindDispatch, "undecodable capabilities response: %v", err)
		}
		return caps, nil
	}
	return payload.Capabilities, nil
}

// Healthy probes GET /health; any 2xx counts as healthy.
func (d *HTTPDispatcher) Healthy(ctx context.Context, baseURL string) bool {
	_, err := d.get(ctx, baseURL, "/health")
	return err == nil
}

func (d *HTTPDispatcher) get(ctx context.Context, baseURL, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.defaultTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, flow.Errorf(flow.KindInternal, "failed to build request: %v", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, flow.Errorf(flow.KindDispatch, "request to %s failed: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, flow.Errorf(flow.KindDispatch, "failed to read response from %s: %v", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, flow.Errorf(flow.KindDispatch, "%s returned HTTP %d", url, resp.StatusCode)
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
