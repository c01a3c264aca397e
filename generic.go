package oidc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const DefaultRequestTimeout = 5 * time.Second

// NewHTTPClient builds the bounded client used for every provider call.
// skipVerify disables TLS certificate verification and must only be set deliberately.
func NewHTTPClient(timeout time.Duration, skipVerify bool) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// checkRedirectURI enforces a fixed redirect URI: absolute, no query string, no fragment.
func checkRedirectURI(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("redirect uri is not http(s)")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("redirect uri hostname was empty")
	}

	if u.RawQuery != "" || u.ForceQuery {
		return nil, fmt.Errorf("redirect uri must not carry a query string")
	}

	if u.Fragment != "" {
		return nil, fmt.Errorf("redirect uri must not carry a fragment")
	}

	return u, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError maps a failed round trip onto the error taxonomy.
func transportError(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%s: %w", op, ErrRequestTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
