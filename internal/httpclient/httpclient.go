// Package httpclient builds the shared outbound HTTP client and classifies transport failures.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"urlsentry/internal/config"
	"urlsentry/internal/model"
)

// MaxRedirects is how many redirects a probe or fetch follows
const MaxRedirects = 5

// UserAgent identifies outbound requests
func UserAgent() string {
	return "urlsentry/" + config.Version
}

// New returns a client without a global timeout; callers bound each request with a context
func New() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		},
	}
}

// Classify maps a transport error onto an ErrorKind
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return model.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return model.KindTimeout
		}
		return model.KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.KindConnectionRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.KindTimeout
	}
	return model.KindNetwork
}
