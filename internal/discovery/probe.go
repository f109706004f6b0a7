package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vaheed/tenantplane/pkg/types"
)

const defaultProbeTimeout = 5 * time.Second

// ProberOptions tune the endpoint health probe.
type ProberOptions struct {
	// Path is requested on every endpoint, /health by default.
	Path    string
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker of an address.
	FailureThreshold uint32
	// OpenTimeout is how long an open breaker rejects probes before retrying.
	OpenTimeout time.Duration
	Transport   http.RoundTripper
}

// Prober issues bounded HTTP health checks with one circuit breaker per address.
type Prober struct {
	opts ProberOptions
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewProber(opts ProberOptions) *Prober {
	if opts.Path == "" {
		opts.Path = "/health"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &Prober{
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (p *Prober) breaker(addr string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[addr]; ok {
		return cb
	}
	threshold := p.opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     p.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	p.breakers[addr] = cb
	return cb
}

// Check probes http://address:port/<path>. Any non-200 answer, transport error or
// open breaker yields an unhealthy status; the probe never returns an error.
func (p *Prober) Check(ctx context.Context, ep types.ServiceEndpoint) types.HealthStatus {
	addr := net.JoinHostPort(ep.Address, strconv.Itoa(int(ep.Port)))
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	_, err := p.breaker(addr).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+p.opts.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := p.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	now := time.Now().UTC()
	switch {
	case err == nil:
		return types.HealthStatus{Status: types.HealthHealthy, LastCheck: now, Message: "service is responding"}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.HealthStatus{Status: types.HealthUnhealthy, LastCheck: now, Message: "circuit open: " + err.Error()}
	default:
		return types.HealthStatus{Status: types.HealthUnhealthy, LastCheck: now, Message: err.Error()}
	}
}
