package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/pkg/schema"
)

// postCallback POSTs the execution record as JSON. Failures are logged;
// the execution outcome never depends on the callback.
func (s *Service) postCallback(ctx context.Context, cb callback, exec *schema.Execution) {
	log := logging.LogWith(logging.WithIDs(ctx, exec.ExecutionID, exec.PipelineID), s.logger)

	body, err := json.Marshal(exec)
	if err != nil {
		log.Error("encode callback body", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.url, bytes.NewReader(body))
	if err != nil {
		log.Error("build callback request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cb.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Agentpipe-Execution", exec.ExecutionID)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn("callback failed", slog.String("url", redact(cb.url)), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("callback rejected",
			slog.String("url", redact(cb.url)),
			slog.Int("status_code", resp.StatusCode),
		)
		return
	}
	log.Info("callback delivered",
		slog.String("url", redact(cb.url)),
		slog.String("status", string(exec.Status)),
	)
}

func validCallbackURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
