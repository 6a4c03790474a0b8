// Package probe issues single liveness checks against target URLs.
package probe

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"urlsentry/internal/config"
	"urlsentry/internal/httpclient"
	"urlsentry/internal/model"
)

// drainLimit bounds how much of a response body is read before closing
const drainLimit = 64 << 10

// Prober checks one URL at a time. It is safe for concurrent use.
type Prober struct {
	client *http.Client
	method string
	clock  clockwork.Clock
}

// New creates a Prober. method is HEAD or GET; nil client/clock use defaults.
func New(client *http.Client, method string, clock clockwork.Clock) *Prober {
	if client == nil {
		client = httpclient.New()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	method = strings.ToUpper(method)
	if method != config.ProbeGET {
		method = config.ProbeHEAD
	}
	return &Prober{client: client, method: method, clock: clock}
}

// IsActive reports whether a status code means the target is reachable.
// Any 4xx counts, so access-denied (401/403) and rate-limited (429) targets are active.
func IsActive(code int) bool {
	return code >= 200 && code < 500
}

// Probe checks rawURL within timeout. It never fails; problems are reported in the result.
func (p *Prober) Probe(ctx context.Context, rawURL string, timeout time.Duration) model.ProbeResult {
	start := p.clock.Now()
	result := model.ProbeResult{URL: rawURL, At: start}

	if !validURL(rawURL) {
		result.Status = model.StatusError
		result.ErrorKind = model.KindInvalidURL
		result.Error = "missing or invalid url"
		return result
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, err := p.do(ctx, p.method, rawURL)
	if err == nil && p.method == http.MethodHead && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = p.do(ctx, http.MethodGet, rawURL)
	}
	result.LatencyMs = p.clock.Since(start).Milliseconds()

	if err != nil {
		result.Status = model.StatusError
		result.ErrorKind = httpclient.Classify(err)
		result.Error = err.Error()
		return result
	}

	result.StatusCode = &code
	if IsActive(code) {
		result.Status = model.StatusActive
	} else {
		result.Status = model.StatusInactive
	}
	return result
}

func (p *Prober) do(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent())
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	resp.Body.Close()
	return resp.StatusCode, nil
}

func validURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
