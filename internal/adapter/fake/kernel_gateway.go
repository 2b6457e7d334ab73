package fake

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"wiremesh/internal/adapter/fake/fault"
	"wiremesh/internal/reconcile"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var _ reconcile.KernelGateway = (*KernelGateway)(nil)

// Fault points evaluated by KernelGateway. Hooks receive the call arguments.
const (
	PointEnsureInterface  = "kernel.ensure_interface"
	PointPeers            = "kernel.peers"
	PointLatestHandshakes = "kernel.latest_handshakes"
	PointConfigurePeers   = "kernel.configure_peers"
	PointInstallPeer      = "kernel.install_peer"
	PointUninstallPeer    = "kernel.uninstall_peer"
	PointSaveConfig       = "kernel.save_config"
)

// Device is the in-memory state of one fake WireGuard interface.
type Device struct {
	Config     reconcile.InterfaceConfig
	Index      int
	Peers      map[wgtypes.Key]reconcile.Peer
	Handshakes map[wgtypes.Key]time.Time
	Endpoints  map[wgtypes.Key]netip.AddrPort
	Addresses  map[netip.Prefix]struct{}
	Saved      int
}

// KernelGateway is an in-memory reconcile.KernelGateway.
type KernelGateway struct {
	CallRecorder
	mu      sync.Mutex
	devices map[string]*Device
	next    int

	// RejectAddrs makes ApplyAddressDelta count these prefixes as failed.
	RejectAddrs map[netip.Prefix]bool

	Faults *fault.Injector
}

// NewKernelGateway creates a KernelGateway with no interfaces.
func NewKernelGateway() *KernelGateway {
	return &KernelGateway{devices: make(map[string]*Device), next: 1, Faults: fault.NewInjector()}
}

// Device returns the state of iface, creating it on first use. Tests use it
// to seed kernel state before the reconciler runs.
func (g *KernelGateway) Device(iface string) *Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.device(iface)
}

func (g *KernelGateway) device(iface string) *Device {
	d, ok := g.devices[iface]
	if !ok {
		d = &Device{
			Config:     reconcile.InterfaceConfig{Name: iface},
			Index:      g.next,
			Peers:      make(map[wgtypes.Key]reconcile.Peer),
			Handshakes: make(map[wgtypes.Key]time.Time),
			Endpoints:  make(map[wgtypes.Key]netip.AddrPort),
			Addresses:  make(map[netip.Prefix]struct{}),
		}
		g.next++
		g.devices[iface] = d
	}
	return d
}

func (g *KernelGateway) byIndex(index int) *Device {
	for _, d := range g.devices {
		if d.Index == index {
			return d
		}
	}
	return nil
}

// SetHandshake simulates a handshake from pub on iface.
func (g *KernelGateway) SetHandshake(iface string, pub wgtypes.Key, at time.Time, endpoint netip.AddrPort) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(iface)
	d.Handshakes[pub] = at
	if endpoint.IsValid() {
		d.Endpoints[pub] = endpoint
	}
}

func (g *KernelGateway) EnsureInterface(_ context.Context, cfg reconcile.InterfaceConfig) (int, error) {
	g.record("EnsureInterface", cfg)
	if err := g.Faults.Eval(PointEnsureInterface, cfg); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(cfg.Name)
	d.Config = cfg
	return d.Index, nil
}

func (g *KernelGateway) Peers(_ context.Context, iface string) ([]reconcile.Peer, error) {
	g.record("Peers", iface)
	if err := g.Faults.Eval(PointPeers, iface); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(iface)
	out := make([]reconcile.Peer, 0, len(d.Peers))
	for _, p := range d.Peers {
		out = append(out, p)
	}
	return out, nil
}

func (g *KernelGateway) LatestHandshakes(_ context.Context, iface string) (map[wgtypes.Key]time.Time, error) {
	g.record("LatestHandshakes", iface)
	if err := g.Faults.Eval(PointLatestHandshakes, iface); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(iface)
	out := make(map[wgtypes.Key]time.Time, len(d.Peers))
	for pub := range d.Peers {
		out[pub] = d.Handshakes[pub]
	}
	return out, nil
}

func (g *KernelGateway) Endpoints(_ context.Context, iface string) (map[wgtypes.Key]netip.AddrPort, error) {
	g.record("Endpoints", iface)
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(iface)
	out := make(map[wgtypes.Key]netip.AddrPort, len(d.Endpoints))
	for pub, ep := range d.Endpoints {
		if _, ok := d.Peers[pub]; ok {
			out[pub] = ep
		}
	}
	return out, nil
}

func (g *KernelGateway) ConfigurePeers(_ context.Context, iface string, updates []reconcile.PeerUpdate) error {
	g.record("ConfigurePeers", iface, slices.Clone(updates))
	if err := g.Faults.Eval(PointConfigurePeers, iface, updates); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.device(iface)
	for _, u := range updates {
		if u.Remove {
			g.dropPeer(d, u.PublicKey)
			continue
		}
		d.Peers[u.PublicKey] = u.Peer
	}
	return nil
}

func (g *KernelGateway) InstallPeer(_ context.Context, iface string, peer reconcile.Peer) error {
	g.record("InstallPeer", iface, peer)
	if err := g.Faults.Eval(PointInstallPeer, iface, peer); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.device(iface).Peers[peer.PublicKey] = peer
	return nil
}

func (g *KernelGateway) UninstallPeer(_ context.Context, iface string, pub wgtypes.Key) error {
	g.record("UninstallPeer", iface, pub)
	if err := g.Faults.Eval(PointUninstallPeer, iface, pub); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropPeer(g.device(iface), pub)
	return nil
}

func (g *KernelGateway) dropPeer(d *Device, pub wgtypes.Key) {
	delete(d.Peers, pub)
	delete(d.Handshakes, pub)
	delete(d.Endpoints, pub)
}

func (g *KernelGateway) SaveInterfaceConfig(_ context.Context, iface string) error {
	g.record("SaveInterfaceConfig", iface)
	if err := g.Faults.Eval(PointSaveConfig, iface); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.device(iface).Saved++
	return nil
}

func (g *KernelGateway) ListInterfaceAddresses(_ context.Context, index int) ([]netip.Prefix, error) {
	g.record("ListInterfaceAddresses", index)
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.byIndex(index)
	if d == nil {
		return nil, nil
	}
	out := make([]netip.Prefix, 0, len(d.Addresses))
	for p := range d.Addresses {
		out = append(out, p)
	}
	slices.SortFunc(out, reconcile.ComparePrefix)
	return out, nil
}

func (g *KernelGateway) ApplyAddressDelta(_ context.Context, index int, toAdd, toRemove []netip.Prefix) (int, int, error) {
	g.record("ApplyAddressDelta", index, slices.Clone(toAdd), slices.Clone(toRemove))
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.byIndex(index)
	if d == nil {
		return 0, len(toAdd) + len(toRemove), nil
	}
	var ok, failed int
	for _, p := range toAdd {
		if g.RejectAddrs[p] {
			failed++
			continue
		}
		d.Addresses[p] = struct{}{}
		ok++
	}
	for _, p := range toRemove {
		if g.RejectAddrs[p] {
			failed++
			continue
		}
		delete(d.Addresses, p)
		ok++
	}
	return ok, failed, nil
}
