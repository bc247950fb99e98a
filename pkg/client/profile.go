package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http/httptrace"
	"sync"
	"time"
)

// Phase durations above these are reported as slow.
const (
	SlowDNS     = time.Second
	SlowConnect = 2 * time.Second
	SlowTLS     = 1500 * time.Millisecond
)

// Profile records the network phases of one request.
type Profile struct {
	mu sync.Mutex

	DNS       time.Duration
	Connect   time.Duration
	TLS       time.Duration
	FirstByte time.Duration
	Reused    bool

	start        time.Time
	dnsStart     time.Time
	connectStart time.Time
	tlsStart     time.Time
}

// NewProfile starts a profile at the current time.
func NewProfile() *Profile {
	return &Profile{start: time.Now()}
}

// WithContext returns ctx carrying the trace hooks that fill p.
func (p *Profile) WithContext(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			p.mark(&p.dnsStart)
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			p.since(&p.DNS, p.dnsStart)
		},
		ConnectStart: func(string, string) {
			p.mark(&p.connectStart)
		},
		ConnectDone: func(string, string, error) {
			p.since(&p.Connect, p.connectStart)
		},
		TLSHandshakeStart: func() {
			p.mark(&p.tlsStart)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			p.since(&p.TLS, p.tlsStart)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			p.mu.Lock()
			p.Reused = info.Reused
			p.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			p.since(&p.FirstByte, p.start)
		},
	})
}

func (p *Profile) mark(t *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*t = time.Now()
}

func (p *Profile) since(d *time.Duration, from time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !from.IsZero() {
		*d = time.Since(from)
	}
}

// Slow returns the names of the phases that exceeded their threshold.
func (p *Profile) Slow() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var slow []string
	if p.DNS > SlowDNS {
		slow = append(slow, "dns")
	}
	if p.Connect > SlowConnect {
		slow = append(slow, "connect")
	}
	if p.TLS > SlowTLS {
		slow = append(slow, "tls")
	}
	return slow
}

// LogValue implements slog.LogValuer.
func (p *Profile) LogValue() slog.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slog.GroupValue(
		slog.Duration("dns", p.DNS),
		slog.Duration("connect", p.Connect),
		slog.Duration("tls", p.TLS),
		slog.Duration("first_byte", p.FirstByte),
		slog.Bool("reused", p.Reused),
	)
}

// Log writes the profile at debug level, or at warn when a phase was slow.
func (p *Profile) Log(logger *slog.Logger, requestID string) {
	if slow := p.Slow(); len(slow) > 0 {
		logger.Warn("slow network phases", "request_id", requestID, "slow", slow, "profile", p)
		return
	}
	logger.Debug("network profile", "request_id", requestID, "profile", p)
}
