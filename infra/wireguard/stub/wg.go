//go:build !linux

package stub

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"wiremesh/internal/reconcile"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var _ reconcile.KernelGateway = (*Gateway)(nil)

// Gateway is a reconcile.KernelGateway for unsupported platforms.
type Gateway struct{}

func New() *Gateway { return &Gateway{} }

func unsupported() error {
	return fmt.Errorf("kernel wireguard not supported on %s", runtime.GOOS)
}

func (g *Gateway) EnsureInterface(context.Context, reconcile.InterfaceConfig) (int, error) {
	return 0, unsupported()
}

func (g *Gateway) Peers(context.Context, string) ([]reconcile.Peer, error) {
	return nil, unsupported()
}

// LatestHandshakes returns an empty map on unsupported platforms.
func (g *Gateway) LatestHandshakes(context.Context, string) (map[wgtypes.Key]time.Time, error) {
	return nil, nil
}

// Endpoints returns an empty map on unsupported platforms.
func (g *Gateway) Endpoints(context.Context, string) (map[wgtypes.Key]netip.AddrPort, error) {
	return nil, nil
}

func (g *Gateway) ConfigurePeers(context.Context, string, []reconcile.PeerUpdate) error {
	return unsupported()
}

func (g *Gateway) InstallPeer(context.Context, string, reconcile.Peer) error {
	return unsupported()
}

func (g *Gateway) UninstallPeer(context.Context, string, wgtypes.Key) error {
	return unsupported()
}

func (g *Gateway) SaveInterfaceConfig(context.Context, string) error {
	return unsupported()
}

func (g *Gateway) ListInterfaceAddresses(context.Context, int) ([]netip.Prefix, error) {
	return nil, unsupported()
}

func (g *Gateway) ApplyAddressDelta(context.Context, int, []netip.Prefix, []netip.Prefix) (int, int, error) {
	return 0, 0, unsupported()
}
