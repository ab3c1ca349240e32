package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/tcpping/pkg/types"
)

// ConnectTimeout bounds every connection attempt.
const ConnectTimeout = 30 * time.Second

// Resolver is the subset of *net.Resolver used to turn host:port into an endpoint.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober times TCP handshakes. A Prober is safe for concurrent use.
type Prober struct {
	resolver Resolver
	dialer   Dialer
	limiter  *rate.Limiter
	timeout  time.Duration
	trailing bool
}

type Option func(*Prober)

func WithResolver(r Resolver) Option {
	return func(p *Prober) {
		if r != nil {
			p.resolver = r
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(p *Prober) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithAttemptLimiter caps connection attempts across every target sharing the prober.
func WithAttemptLimiter(l *rate.Limiter) Option {
	return func(p *Prober) {
		p.limiter = l
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithTrailingPause controls whether the pause also follows the final attempt.
func WithTrailingPause(enabled bool) Option {
	return func(p *Prober) {
		p.trailing = enabled
	}
}

func New(opts ...Option) *Prober {
	p := &Prober{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{},
		timeout:  ConnectTimeout,
		trailing: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Measure performs up to repetitions sequential attempts against addr and
// returns the truncated mean handshake time in microseconds. ok is false when
// no attempt succeeded.
func (p *Prober) Measure(ctx context.Context, addr string, repetitions int, pause time.Duration) (us int32, ok bool) {
	var (
		total     time.Duration
		successes int64
	)
	for i := 0; i < repetitions; i++ {
		if ctx.Err() != nil {
			break
		}
		if elapsed, err := p.attempt(ctx, addr); err == nil {
			total += elapsed
			successes++
		}
		if i == repetitions-1 && !p.trailing {
			break
		}
		if !sleep(ctx, pause) {
			break
		}
	}
	if successes == 0 {
		return 0, false
	}
	mean := total / time.Duration(successes)
	return types.ClampMicros(mean.Microseconds()), true
}

// Run measures addr and delivers the value on out when there is one. out is
// always closed, so a receiver that gets nothing knows every attempt failed.
func (p *Prober) Run(ctx context.Context, addr string, repetitions int, pause time.Duration, out chan<- int32) {
	defer close(out)
	if us, ok := p.Measure(ctx, addr, repetitions, pause); ok {
		select {
		case out <- us:
		case <-ctx.Done():
		}
	}
}

func (p *Prober) attempt(ctx context.Context, addr string) (time.Duration, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	endpoint, err := p.resolve(ctx, addr)
	if err != nil {
		return 0, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// resolve returns the first address host resolves to, joined with the port.
func (p *Prober) resolve(ctx context.Context, addr string) (string, error) {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	port, err := p.resolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return "", err
	}
	ips, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return net.JoinHostPort(ips[0].String(), strconv.Itoa(port)), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
