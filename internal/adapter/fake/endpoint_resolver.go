package fake

import (
	"context"
	"net/netip"
	"sync"

	"wiremesh/internal/reconcile"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var _ reconcile.EndpointResolver = (*EndpointResolver)(nil)

// EndpointResolver records resolved endpoints in memory.
type EndpointResolver struct {
	CallRecorder
	mu       sync.Mutex
	Resolved map[wgtypes.Key]netip.Addr
}

// NewEndpointResolver creates an EndpointResolver.
func NewEndpointResolver() *EndpointResolver {
	return &EndpointResolver{Resolved: make(map[wgtypes.Key]netip.Addr)}
}

func (r *EndpointResolver) Resolve(_ context.Context, pub wgtypes.Key, addr netip.Addr) error {
	r.record("Resolve", pub, addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Resolved[pub] = addr
	return nil
}
