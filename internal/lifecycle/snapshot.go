package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Observer reads live peer state from a tunnel interface.
//
// Production: the kernel WireGuard gateway.
// Testing: fake.KernelGateway.
type Observer interface {
	// LatestHandshakes returns every configured peer; peers that never
	// completed a handshake map to the zero time.
	LatestHandshakes(ctx context.Context, iface string) (map[wgtypes.Key]time.Time, error)
	Endpoints(ctx context.Context, iface string) (map[wgtypes.Key]netip.AddrPort, error)
}

// Snapshot is one observation of a tunnel interface.
type Snapshot struct {
	// Handshakes holds only peers with a nonzero handshake time.
	Handshakes map[wgtypes.Key]time.Time
	Endpoints  map[wgtypes.Key]netip.AddrPort
	// All holds every peer configured on the interface.
	All map[wgtypes.Key]struct{}
}

// Observe takes a Snapshot of iface.
func Observe(ctx context.Context, obs Observer, iface string) (Snapshot, error) {
	latest, err := obs.LatestHandshakes(ctx, iface)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read handshakes of %s: %w", iface, err)
	}
	endpoints, err := obs.Endpoints(ctx, iface)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read endpoints of %s: %w", iface, err)
	}
	return NewSnapshot(latest, endpoints), nil
}

// NewSnapshot splits a per-peer handshake listing into handshaken and silent peers.
func NewSnapshot(latest map[wgtypes.Key]time.Time, endpoints map[wgtypes.Key]netip.AddrPort) Snapshot {
	snap := Snapshot{
		Handshakes: make(map[wgtypes.Key]time.Time, len(latest)),
		Endpoints:  endpoints,
		All:        make(map[wgtypes.Key]struct{}, len(latest)),
	}
	if snap.Endpoints == nil {
		snap.Endpoints = map[wgtypes.Key]netip.AddrPort{}
	}
	for pub, at := range latest {
		snap.All[pub] = struct{}{}
		if !at.IsZero() && at.Unix() > 0 {
			snap.Handshakes[pub] = at
		}
	}
	return snap
}

func sortedKeys[V any](m map[wgtypes.Key]V) []wgtypes.Key {
	keys := make([]wgtypes.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b wgtypes.Key) int { return bytes.Compare(a[:], b[:]) })
	return keys
}
