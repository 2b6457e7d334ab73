package reconcile

import (
	"context"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KernelGateway is the live WireGuard interface and routing table.
// Production: infra/wireguard/kernel.Gateway
// Testing: fake.KernelGateway
type KernelGateway interface {
	// EnsureInterface creates and configures the link if needed and returns its index.
	EnsureInterface(ctx context.Context, cfg InterfaceConfig) (int, error)
	Peers(ctx context.Context, iface string) ([]Peer, error)
	LatestHandshakes(ctx context.Context, iface string) (map[wgtypes.Key]time.Time, error)
	Endpoints(ctx context.Context, iface string) (map[wgtypes.Key]netip.AddrPort, error)
	// ConfigurePeers applies all updates in one kernel request.
	ConfigurePeers(ctx context.Context, iface string, updates []PeerUpdate) error
	InstallPeer(ctx context.Context, iface string, peer Peer) error
	UninstallPeer(ctx context.Context, iface string, pub wgtypes.Key) error
	SaveInterfaceConfig(ctx context.Context, iface string) error
	ListInterfaceAddresses(ctx context.Context, index int) ([]netip.Prefix, error)
	// ApplyAddressDelta applies both sets in one batch. Per-entry failures are
	// counted, not returned.
	ApplyAddressDelta(ctx context.Context, index int, toAdd, toRemove []netip.Prefix) (ok, failed int, err error)
}

// Source yields the desired state of one interface.
// Production: daemon.HostedSource, daemon.TrustedSource
// Testing: StaticSource
type Source interface {
	Desired(ctx context.Context) (Desired, error)
}

// EndpointResolver enriches a freshly observed client endpoint.
// Production: resolve.Resolver
// Testing: fake.EndpointResolver
type EndpointResolver interface {
	Resolve(ctx context.Context, pub wgtypes.Key, addr netip.Addr) error
}

// InterfaceConfig is the static configuration of a managed interface.
type InterfaceConfig struct {
	Name       string
	PrivateKey wgtypes.Key
	ListenPort int
	MTU        int
}

// Desired is the peer and address set an interface should converge to.
type Desired struct {
	Peers     []Peer
	Addresses []netip.Prefix
}

// StaticSource is a Source with a fixed desired state.
type StaticSource Desired

func (s StaticSource) Desired(context.Context) (Desired, error) { return Desired(s), nil }
