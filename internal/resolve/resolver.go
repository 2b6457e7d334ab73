// Package resolve enriches client endpoints with reverse DNS names.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const defaultTimeout = 3 * time.Second

// LookupFunc resolves an address to host names.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

// Endpoint is the last known endpoint of a client.
type Endpoint struct {
	Addr       netip.Addr
	Hostname   string // empty when reverse lookup found nothing
	ResolvedAt time.Time
}

// Resolver keeps the most recent reverse lookup per client.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu        sync.RWMutex
	endpoints map[wgtypes.Key]Endpoint
}

// New creates a Resolver. A nil lookup uses the system resolver.
func New(lookup LookupFunc, log *slog.Logger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		lookup:    lookup,
		timeout:   defaultTimeout,
		now:       time.Now,
		log:       log.With("component", "resolve"),
		endpoints: make(map[wgtypes.Key]Endpoint),
	}
}

// Resolve looks up addr and records the result for pub. The address is
// recorded even when the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, pub wgtypes.Key, addr netip.Addr) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ep := Endpoint{Addr: addr, ResolvedAt: r.now()}
	names, err := r.lookup(ctx, addr.String())
	if err == nil && len(names) > 0 {
		ep.Hostname = strings.TrimSuffix(names[0], ".")
	}

	r.mu.Lock()
	r.endpoints[pub] = ep
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reverse lookup %s: %w", addr, err)
	}
	r.log.Info("endpoint resolved", "pub", pub.String(), "addr", addr, "host", ep.Hostname)
	return nil
}

// Endpoint returns the last recorded endpoint of pub.
func (r *Resolver) Endpoint(pub wgtypes.Key) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[pub]
	return ep, ok
}

// Forget drops the record of pub.
func (r *Resolver) Forget(pub wgtypes.Key) {
	r.mu.Lock()
	delete(r.endpoints, pub)
	r.mu.Unlock()
}
