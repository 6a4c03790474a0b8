// Package config holds engine options and the YAML/env loading for the host process.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"urlsentry/internal/model"
)

// Version is stamped into the User-Agent and the webhook device block
var Version = "dev"

const (
	ProbeHEAD = "HEAD"
	ProbeGET  = "GET"

	MinHistoryLimit = 10
	MaxHistoryLimit = 50
)

// Device describes this installation in webhook payloads
type Device struct {
	ID       string `json:"id" yaml:"id"`
	Platform string `json:"platform" yaml:"platform"`
	Model    string `json:"model" yaml:"model"`
	Version  string `json:"version" yaml:"version"`
}

// Options configures the engine. Durations are integer milliseconds.
type Options struct {
	RemoteEndpoint       string `json:"remoteEndpoint" yaml:"remoteEndpoint"`
	CallbackEndpoint     string `json:"callbackEndpoint" yaml:"callbackEndpoint"`
	CallbackName         string `json:"callbackName" yaml:"callbackName"`
	CheckIntervalMs      int64  `json:"checkIntervalMs" yaml:"checkIntervalMs"`
	SyncIntervalMs       int64  `json:"syncIntervalMs" yaml:"syncIntervalMs"`
	MaxRetries           int    `json:"maxRetries" yaml:"maxRetries"` // total attempts, not extra ones
	RetryDelayMs         int64  `json:"retryDelayMs" yaml:"retryDelayMs"`
	TimeoutMs            int64  `json:"timeoutMs" yaml:"timeoutMs"`
	StrictValidation     bool   `json:"strictValidation" yaml:"strictValidation"`
	StrictDeliveryStatus bool   `json:"strictDeliveryStatus" yaml:"strictDeliveryStatus"`

	BatchSize       int    `json:"batchSize" yaml:"batchSize"`
	JitterMs        int64  `json:"jitterMs" yaml:"jitterMs"`
	DeliveryJitter  bool   `json:"deliveryJitter" yaml:"deliveryJitter"`
	ProbeMethod     string `json:"probeMethod" yaml:"probeMethod"`
	HistoryLimit    int    `json:"historyLimit" yaml:"historyLimit"`
	FailedLogLimit  int    `json:"failedLogLimit" yaml:"failedLogLimit"`
	PendingMaxAgeMs int64  `json:"pendingMaxAgeMs" yaml:"pendingMaxAgeMs"`
	Device          Device `json:"device" yaml:"device"`
}

// Defaults returns the options used when nothing is configured
func Defaults() Options {
	return Options{
		CheckIntervalMs: (5 * time.Minute).Milliseconds(),
		SyncIntervalMs:  (15 * time.Minute).Milliseconds(),
		MaxRetries:      3,
		RetryDelayMs:    1000,
		TimeoutMs:       10000,
		BatchSize:       5,
		JitterMs:        250,
		ProbeMethod:     ProbeHEAD,
		HistoryLimit:    20,
		FailedLogLimit:  50,
		PendingMaxAgeMs: (24 * time.Hour).Milliseconds(),
		Device: Device{
			Platform: runtime.GOOS,
			Model:    "server",
			Version:  Version,
		},
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (o Options) CheckInterval() time.Duration { return ms(o.CheckIntervalMs) }
func (o Options) SyncInterval() time.Duration  { return ms(o.SyncIntervalMs) }
func (o Options) RetryDelay() time.Duration    { return ms(o.RetryDelayMs) }
func (o Options) Timeout() time.Duration       { return ms(o.TimeoutMs) }
func (o Options) Jitter() time.Duration        { return ms(o.JitterMs) }
func (o Options) PendingMaxAge() time.Duration { return ms(o.PendingMaxAgeMs) }

// HistoryCap is HistoryLimit clamped to the supported range
func (o Options) HistoryCap() int {
	switch {
	case o.HistoryLimit < MinHistoryLimit:
		return MinHistoryLimit
	case o.HistoryLimit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return o.HistoryLimit
	}
}

// Validate checks every field and returns the first problem as a *model.ConfigError
func (o Options) Validate() error {
	if err := validateEndpoint("remoteEndpoint", o.RemoteEndpoint); err != nil {
		return err
	}
	if err := validateEndpoint("callbackEndpoint", o.CallbackEndpoint); err != nil {
		return err
	}

	checks := []struct {
		ok     bool
		field  string
		reason string
	}{
		{o.CheckIntervalMs > 0, "checkIntervalMs", "must be positive"},
		{o.SyncIntervalMs > 0, "syncIntervalMs", "must be positive"},
		{o.MaxRetries >= 1, "maxRetries", "must be at least 1"},
		{o.RetryDelayMs >= 0, "retryDelayMs", "must not be negative"},
		{o.TimeoutMs > 0, "timeoutMs", "must be positive"},
		{o.BatchSize >= 1, "batchSize", "must be at least 1"},
		{o.JitterMs >= 0, "jitterMs", "must not be negative"},
		{o.FailedLogLimit >= 1, "failedLogLimit", "must be at least 1"},
		{o.PendingMaxAgeMs >= 0, "pendingMaxAgeMs", "must not be negative"},
	}
	for _, c := range checks {
		if !c.ok {
			return &model.ConfigError{Field: c.field, Reason: c.reason}
		}
	}

	switch strings.ToUpper(o.ProbeMethod) {
	case ProbeHEAD, ProbeGET:
	default:
		return &model.ConfigError{Field: "probeMethod", Reason: fmt.Sprintf("unsupported method %q", o.ProbeMethod)}
	}
	return nil
}

// ValidateForStart additionally requires a source of items to monitor
func (o Options) ValidateForStart(staticItems int) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.RemoteEndpoint == "" && staticItems == 0 {
		return &model.ConfigError{Field: "remoteEndpoint", Reason: "missing endpoint and no static items configured"}
	}
	return nil
}

func validateEndpoint(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &model.ConfigError{Field: field, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &model.ConfigError{Field: field, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &model.ConfigError{Field: field, Reason: "missing host"}
	}
	return nil
}
