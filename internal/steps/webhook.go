package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// WebhookExecutor calls an HTTP endpoint. config.url, config.headers and
// config.body may contain ${{ }} references; without config.body the step
// input is sent as JSON. The output is {status_code, headers, body} with a
// JSON body decoded when the response declares it.
//
// Network errors, timeouts, 429 and 5xx are transient. Other non-2xx
// responses are fatal.
type WebhookExecutor struct {
	client          *http.Client
	interp          *expressions.Interpolator
	maxResponseBody int64
}

func NewWebhookExecutor(deps Deps) *WebhookExecutor {
	return &WebhookExecutor{
		client:          deps.HTTPClient,
		interp:          deps.Interpolator,
		maxResponseBody: defaultMaxResponseBody,
	}
}

func (*WebhookExecutor) Variant() schema.StepVariant { return schema.VariantWebhook }

func (e *WebhookExecutor) Run(ctx context.Context, req *Request) Outcome {
	stepID := req.Step.ID
	scope := req.scope()

	cfg, err := e.interp.Resolve(ctx, req.Step.Config, scope)
	if err != nil {
		return Failed(stepID, err)
	}

	rawURL, _ := field(cfg, "url").AsString()
	u, err := url.ParseRequestURI(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Failed(stepID, schema.NewErrorf(schema.ErrCodeValidation, "invalid webhook url %q", rawURL))
	}
	method := http.MethodPost
	if m, ok := field(cfg, "method").AsString(); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if method != http.MethodGet {
		payload := req.Input
		if b, ok := cfg.Get("body"); ok {
			payload = b
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return Failed(stepID, schema.NewError(schema.ErrCodeNonRetryable, "encode webhook body").WithCause(err))
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Failed(stepID, schema.NewError(schema.ErrCodeNonRetryable, "build webhook request").WithCause(err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	headers := field(cfg, "headers")
	for _, k := range headers.Keys() {
		v, _ := headers.Get(k)
		httpReq.Header.Set(k, v.Text())
	}
	if req.ExecutionID != "" {
		httpReq.Header.Set("X-Agentpipe-Execution", req.ExecutionID)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Failed(stepID, transportError(ctx, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBody+1))
	if err != nil {
		return Failed(stepID, schema.NewError(schema.ErrCodeTransient, "read webhook response").WithCause(err))
	}
	if int64(len(data)) > e.maxResponseBody {
		return Failed(stepID, schema.NewErrorf(schema.ErrCodeNonRetryable,
			"webhook response exceeds %d bytes", e.maxResponseBody).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": u.Redacted()}))
	}

	result := schema.Mapping(map[string]schema.Value{
		"status_code": schema.Int(resp.StatusCode),
		"headers":     responseHeaders(resp.Header),
		"body":        decodeBody(resp.Header.Get("Content-Type"), data),
		"duration_ms": schema.Int(int(time.Since(start).Milliseconds())),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			code = schema.ErrCodeTransient
		}
		return Failed(stepID, schema.NewErrorf(code, "webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": u.Redacted()}))
	}
	return Succeeded(result)
}

func field(v schema.Value, key string) schema.Value {
	f, _ := v.Get(key)
	return f
}

func transportError(ctx context.Context, err error) *schema.Error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "webhook cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "webhook timed out").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransient, "webhook request failed: %s", err.Error()).WithCause(err)
}

func responseHeaders(h http.Header) schema.Value {
	out := make(map[string]schema.Value, len(h))
	for k := range h {
		out[k] = schema.String(h.Get(k))
	}
	return schema.Mapping(out)
}

func decodeBody(contentType string, data []byte) schema.Value {
	if len(bytes.TrimSpace(data)) == 0 {
		return schema.Null()
	}
	if strings.Contains(contentType, "json") {
		var v schema.Value
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return schema.String(string(data))
}
