package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver looks capture hosts up against explicit DNS servers, following
// CNAMEs, with a small cache. It falls back to the system resolver when no
// server answers.
type Resolver struct {
	servers  []string // host:port
	timeout  time.Duration
	cacheTTL time.Duration
	log      *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// exchange is replaced in tests.
	exchange func(ctx context.Context, m *mdns.Msg, server string) (*mdns.Msg, error)
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// ParseServers normalizes "10.0.0.1, 1.1.1.1:5353" style lists.
func ParseServers(list []string) []string {
	var out []string
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		out = append(out, s)
	}
	return out
}

func NewResolver(servers []string, timeout, cacheTTL time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Resolver{
		servers:  ParseServers(servers),
		timeout:  timeout,
		cacheTTL: cacheTTL,
		log:      log,
		cache:    map[string]cacheEntry{},
	}
	c := &mdns.Client{Timeout: timeout}
	r.exchange = func(ctx context.Context, m *mdns.Msg, server string) (*mdns.Msg, error) {
		in, _, err := c.ExchangeContext(ctx, m, server)
		return in, err
	}
	return r
}

// Resolve returns the addresses of name, sorted.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]net.IP, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("monitor: empty host name")
	}
	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}
	r.mu.RLock()
	if ce, ok := r.cache[name]; ok && time.Now().Before(ce.expires) {
		ips := append([]net.IP{}, ce.ips...)
		r.mu.RUnlock()
		return ips, nil
	}
	r.mu.RUnlock()

	ips := r.resolveOneName(ctx, name)
	if len(ips) == 0 {
		// fallback to the system resolver
		sys, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
		if err != nil {
			return nil, fmt.Errorf("monitor: resolve %s: %w", name, err)
		}
		ips = sys
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[name] = cacheEntry{ips: ips, expires: time.Now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return append([]net.IP{}, ips...), nil
}

// ResolveTarget turns host:port into ip:port, preferring IPv4.
func (r *Resolver) ResolveTarget(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("monitor: target %q: %w", target, err)
	}
	ips, err := r.Resolve(ctx, host)
	if err != nil {
		return "", err
	}
	best := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			best = ip
			break
		}
	}
	return net.JoinHostPort(best.String(), port), nil
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) []mdns.RR {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(fqdn), qtype)
	for _, srv := range r.servers {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		in, err := r.exchange(qctx, m, srv)
		cancel()
		if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
			return append(in.Answer, in.Extra...)
		}
		rc := -1
		if in != nil {
			rc = in.Rcode
		}
		r.log.Debug("dns query failed", zap.String("name", fqdn), zap.Uint16("type", qtype),
			zap.String("server", srv), zap.Int("rcode", rc), zap.Error(err))
	}
	return nil
}

// resolveOneName resolves A and AAAA, following up to 5 CNAME hops.
func (r *Resolver) resolveOneName(ctx context.Context, name string) []net.IP {
	if len(r.servers) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var acc []net.IP
	add := func(ip net.IP) {
		if _, ok := seen[ip.String()]; !ok {
			seen[ip.String()] = struct{}{}
			acc = append(acc, ip)
		}
	}
	target := name
	for hop := 0; hop < 5; hop++ {
		next := target
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			for _, rr := range r.query(ctx, target, qtype) {
				switch v := rr.(type) {
				case *mdns.A:
					add(v.A)
				case *mdns.AAAA:
					add(v.AAAA)
				case *mdns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
			}
		}
		if len(acc) > 0 || next == target {
			break
		}
		target = next
	}
	return acc
}
