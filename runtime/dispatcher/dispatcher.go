// Package dispatcher executes a single endpoint HTTP call and reports its
// outcome. It owns the per-call timeout, the success criterion (2xx), and the
// bounded capture of JSON response bodies.
package dispatcher

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

	"github.com/cronicorn/cronicorn/runtime/schedule"
)

// Outcome is the result of one endpoint execution.
type Outcome struct {
	Status       schedule.RunStatus
	Duration     time.Duration
	StatusCode   *int
	ResponseBody string
	ErrorMessage string
}

// Dispatcher performs endpoint calls with a shared reusable HTTP client.
type Dispatcher struct {
	client *http.Client
	clock  schedule.Clock
}

// Options configures the Dispatcher.
type Options struct {
	// Client overrides the HTTP client; per-request timeouts are applied via
	// context regardless of the client's own timeout.
	Client *http.Client
	Clock  schedule.Clock
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &Dispatcher{client: client, clock: clock}
}

// Execute performs one call to the endpoint and never returns an error:
// every failure mode is folded into a failed Outcome so the scheduler can
// record it on the run.
func (d *Dispatcher) Execute(ctx context.Context, ep *schedule.Endpoint) Outcome {
	start := d.clock.Now()
	if ep.URL == "" {
		return Outcome{
			Status:       schedule.RunFailed,
			Duration:     d.clock.Now().Sub(start),
			ErrorMessage: "endpoint URL is empty",
		}
	}

	method := string(ep.Method)
	if method == "" {
		method = string(schedule.MethodGet)
	}

	var body io.Reader
	sendBody := len(ep.BodyJSON) > 0 && method != string(schedule.MethodGet)
	if sendBody {
		body = bytes.NewReader(ep.BodyJSON)
	}

	timeout := ep.EffectiveTimeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, ep.URL, body)
	if err != nil {
		return Outcome{
			Status:       schedule.RunFailed,
			Duration:     d.clock.Now().Sub(start),
			ErrorMessage: fmt.Sprintf("build request: %v", err),
		}
	}
	hasContentType := false
	for name, value := range ep.Headers {
		req.Header.Set(name, value)
		if strings.EqualFold(name, "Content-Type") {
			hasContentType = true
		}
	}
	if sendBody && !hasContentType {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	duration := d.clock.Now().Sub(start)
	if err != nil {
		msg := fmt.Sprintf("request failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("request timed out after %dms", timeout.Milliseconds())
		}
		return Outcome{Status: schedule.RunFailed, Duration: duration, ErrorMessage: msg}
	}
	defer resp.Body.Close()

	captured := captureBody(resp, ep.ResponseCap())
	duration = d.clock.Now().Sub(start)

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return Outcome{
			Status:       schedule.RunSuccess,
			Duration:     duration,
			StatusCode:   &code,
			ResponseBody: captured,
		}
	}
	return Outcome{
		Status:       schedule.RunFailed,
		Duration:     duration,
		StatusCode:   &code,
		ResponseBody: captured,
		ErrorMessage: fmt.Sprintf("HTTP %d %s", code, http.StatusText(code)),
	}
}

// captureBody reads the response body when the content type is JSON-like and
// the size fits under the cap. Oversized or unparseable bodies are dropped
// silently; capture never fails the run.
func captureBody(resp *http.Response, cap int64) string {
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json") {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return ""
	}
	if resp.ContentLength > cap {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, cap+1))
	if err != nil || int64(len(data)) > cap {
		return ""
	}
	if !json.Valid(data) {
		return ""
	}
	return string(data)
}
