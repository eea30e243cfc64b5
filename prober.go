package pluginhost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// CheckProber probes endpoint hints with the healthcheck package's checks.
// Supported hints:
//
//	http://host:port/path   HTTP GET, healthy on a 200 response
//	https://host/path       same as http
//	tcp://host:port         TCP dial
//	dns://hostname          DNS resolution
type CheckProber struct{}

// NewCheckProber creates the default Prober.
func NewCheckProber() *CheckProber {
	return &CheckProber{}
}

func (p *CheckProber) Probe(ctx context.Context, endpointHint string, timeout time.Duration) (bool, error) {
	check, err := p.checkFor(endpointHint, timeout)
	if err != nil {
		return false, err
	}

	done := make(chan error, 1)
	go func() { done <- check() }()
	select {
	case err := <-done:
		if err != nil {
			return false, err
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *CheckProber) checkFor(hint string, timeout time.Duration) (healthcheck.Check, error) {
	scheme, rest, ok := strings.Cut(hint, "://")
	if !ok {
		return nil, fmt.Errorf("%w: endpoint hint %q has no scheme", ErrValidation, hint)
	}
	switch scheme {
	case "http", "https":
		return healthcheck.HTTPGetCheck(hint, timeout), nil
	case "tcp":
		return healthcheck.TCPDialCheck(rest, timeout), nil
	case "dns":
		return healthcheck.DNSResolveCheck(rest, timeout), nil
	}
	return nil, fmt.Errorf("%w: unsupported probe scheme %q", ErrValidation, scheme)
}
