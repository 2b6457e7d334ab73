//go:build linux

// Package kernel drives Linux kernel WireGuard interfaces through wgctrl and
// netlink.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"wiremesh"
	"wiremesh/infra/wireguard"
	"wiremesh/internal/reconcile"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	defaultMTU    = 1420
	peerKeepalive = 25 * time.Second
)

var _ reconcile.KernelGateway = (*Gateway)(nil)

// Gateway implements reconcile.KernelGateway on the Linux kernel module.
type Gateway struct {
	confDir string
}

// New creates a Gateway. Interface configs are saved under confDir.
func New(confDir string) *Gateway {
	return &Gateway{confDir: confDir}
}

// EnsureInterface creates the link if missing, sets the private key and
// listen port, and brings the link up. Existing peers are left in place.
func (g *Gateway) EnsureInterface(_ context.Context, cfg reconcile.InterfaceConfig) (int, error) {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}
	link, err := ensureLink(cfg.Name, mtu)
	if err != nil {
		return 0, mapErr(err)
	}

	err = withClient(func(wg *wgctrl.Client) error {
		wgCfg := wgtypes.Config{PrivateKey: &cfg.PrivateKey}
		if cfg.ListenPort > 0 {
			wgCfg.ListenPort = &cfg.ListenPort
		}
		if err := wg.ConfigureDevice(cfg.Name, wgCfg); err != nil {
			return fmt.Errorf("configure wireguard device %q: %w", cfg.Name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return 0, mapErr(fmt.Errorf("set wireguard interface %q up: %w", cfg.Name, err))
		}
	}
	return link.Attrs().Index, nil
}

func (g *Gateway) Peers(_ context.Context, iface string) ([]reconcile.Peer, error) {
	dev, err := device(iface)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.Peer, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		out = append(out, peerFromDevice(p))
	}
	return out, nil
}

// LatestHandshakes returns every peer of iface; peers that never completed a
// handshake map to the zero time.
func (g *Gateway) LatestHandshakes(_ context.Context, iface string) (map[wgtypes.Key]time.Time, error) {
	dev, err := device(iface)
	if err != nil {
		return nil, err
	}
	result := make(map[wgtypes.Key]time.Time, len(dev.Peers))
	for _, p := range dev.Peers {
		at := p.LastHandshakeTime
		if at.Unix() <= 0 {
			at = time.Time{}
		}
		result[p.PublicKey] = at
	}
	return result, nil
}

func (g *Gateway) Endpoints(_ context.Context, iface string) (map[wgtypes.Key]netip.AddrPort, error) {
	dev, err := device(iface)
	if err != nil {
		return nil, err
	}
	result := make(map[wgtypes.Key]netip.AddrPort, len(dev.Peers))
	for _, p := range dev.Peers {
		if p.Endpoint != nil {
			result[p.PublicKey] = endpointOf(p.Endpoint)
		}
	}
	return result, nil
}

func (g *Gateway) ConfigurePeers(_ context.Context, iface string, updates []reconcile.PeerUpdate) error {
	peers := make([]wgtypes.PeerConfig, 0, len(updates))
	for _, u := range updates {
		if u.Remove {
			peers = append(peers, wgtypes.PeerConfig{PublicKey: u.PublicKey, Remove: true})
			continue
		}
		peers = append(peers, peerConfig(u.Peer))
	}
	return configure(iface, peers)
}

func (g *Gateway) InstallPeer(_ context.Context, iface string, peer reconcile.Peer) error {
	return configure(iface, []wgtypes.PeerConfig{peerConfig(peer)})
}

func (g *Gateway) UninstallPeer(_ context.Context, iface string, pub wgtypes.Key) error {
	return configure(iface, []wgtypes.PeerConfig{{PublicKey: pub, Remove: true}})
}

// SaveInterfaceConfig writes the running configuration of iface as a
// wg-quick file, so the interface can be restored without the daemon.
func (g *Gateway) SaveInterfaceConfig(_ context.Context, iface string) error {
	dev, err := device(iface)
	if err != nil {
		return err
	}
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return mapErr(fmt.Errorf("find wireguard interface %q: %w", iface, err))
	}
	addrs, err := listAddresses(link)
	if err != nil {
		return err
	}

	conf := wireguard.Conf{PrivateKey: dev.PrivateKey, Addresses: addrs, ListenPort: dev.ListenPort}
	for _, p := range dev.Peers {
		rp := peerFromDevice(p)
		cp := wireguard.ConfPeer{PublicKey: rp.PublicKey, PresharedKey: rp.PresharedKey, AllowedIPs: rp.AllowedIPs}
		if rp.Endpoint.IsValid() {
			cp.Endpoint = rp.Endpoint.String()
			cp.PersistentKeepalive = p.PersistentKeepaliveInterval
		}
		conf.Peers = append(conf.Peers, cp)
	}
	text, err := conf.Render()
	if err != nil {
		return fmt.Errorf("render config of %q: %w", iface, err)
	}
	return writeFileAtomic(filepath.Join(g.confDir, iface+".conf"), text)
}

func (g *Gateway) ListInterfaceAddresses(_ context.Context, index int) ([]netip.Prefix, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return nil, mapErr(fmt.Errorf("find interface %d: %w", index, err))
	}
	return listAddresses(link)
}

// ApplyAddressDelta adds and removes addresses one by one. Entries already in
// the requested state count as applied.
func (g *Gateway) ApplyAddressDelta(_ context.Context, index int, toAdd, toRemove []netip.Prefix) (int, int, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return 0, 0, mapErr(fmt.Errorf("find interface %d: %w", index, err))
	}
	var ok, failed int
	for _, pref := range toAdd {
		addr := &netlink.Addr{IPNet: ptrIPNet(prefixToIPNet(pref))}
		if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			failed++
			continue
		}
		ok++
	}
	for _, pref := range toRemove {
		addr := &netlink.Addr{IPNet: ptrIPNet(prefixToIPNet(pref))}
		if err := netlink.AddrDel(link, addr); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
			failed++
			continue
		}
		ok++
	}
	return ok, failed, nil
}

func ensureLink(iface string, mtu int) (netlink.Link, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return nil, fmt.Errorf("find wireguard interface %q: %w", iface, err)
		}
		link = &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: iface}, LinkType: "wireguard"}
		if err := netlink.LinkAdd(link); err != nil {
			return nil, fmt.Errorf("create wireguard interface %q: %w", iface, err)
		}
		link, err = netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("refetch wireguard interface %q: %w", iface, err)
		}
	}
	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return nil, fmt.Errorf("set wireguard mtu on %q: %w", iface, err)
		}
	}
	return link, nil
}

// listAddresses skips IPv6 link-local addresses, which the kernel manages.
func listAddresses(link netlink.Link) ([]netip.Prefix, error) {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err))
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		pref, err := ipNetToPrefix(*addr.IPNet)
		if err != nil || pref.Addr().IsLinkLocalUnicast() {
			continue
		}
		out = append(out, pref)
	}
	return out, nil
}

func withClient(fn func(wg *wgctrl.Client) error) error {
	wg, err := wgctrl.New()
	if err != nil {
		return mapErr(fmt.Errorf("create wireguard client: %w", err))
	}
	defer wg.Close()
	return mapErr(fn(wg))
}

func device(iface string) (*wgtypes.Device, error) {
	var dev *wgtypes.Device
	err := withClient(func(wg *wgctrl.Client) error {
		var err error
		if dev, err = wg.Device(iface); err != nil {
			return fmt.Errorf("inspect wireguard device %q: %w", iface, err)
		}
		return nil
	})
	return dev, err
}

func configure(iface string, peers []wgtypes.PeerConfig) error {
	return withClient(func(wg *wgctrl.Client) error {
		if err := wg.ConfigureDevice(iface, wgtypes.Config{Peers: peers}); err != nil {
			return fmt.Errorf("configure wireguard peers on %q: %w", iface, err)
		}
		return nil
	})
}

func peerConfig(p reconcile.Peer) wgtypes.PeerConfig {
	p = p.Normalized()
	allowed := make([]net.IPNet, 0, len(p.AllowedIPs))
	for _, pref := range p.AllowedIPs {
		allowed = append(allowed, prefixToIPNet(pref))
	}
	pc := wgtypes.PeerConfig{
		PublicKey:         p.PublicKey,
		PresharedKey:      p.PresharedKey,
		ReplaceAllowedIPs: true,
		AllowedIPs:        allowed,
	}
	if p.Endpoint.IsValid() {
		pc.Endpoint = net.UDPAddrFromAddrPort(p.Endpoint)
		pc.PersistentKeepaliveInterval = ptrDuration(peerKeepalive)
	}
	return pc
}

func peerFromDevice(p wgtypes.Peer) reconcile.Peer {
	out := reconcile.Peer{PublicKey: p.PublicKey}
	if p.PresharedKey != (wgtypes.Key{}) {
		psk := p.PresharedKey
		out.PresharedKey = &psk
	}
	if p.Endpoint != nil {
		out.Endpoint = endpointOf(p.Endpoint)
	}
	for _, n := range p.AllowedIPs {
		if pref, err := ipNetToPrefix(n); err == nil {
			out.AllowedIPs = append(out.AllowedIPs, pref)
		}
	}
	return out.Normalized()
}

func endpointOf(u *net.UDPAddr) netip.AddrPort {
	ap := u.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// mapErr turns privilege failures into wiremesh.ErrPermissionDenied.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", wiremesh.ErrPermissionDenied, err)
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wiremesh-*.conf")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func ptrDuration(d time.Duration) *time.Duration { return &d }
func ptrIPNet(n net.IPNet) *net.IPNet             { return &n }

func prefixToIPNet(pref netip.Prefix) net.IPNet {
	return net.IPNet{IP: pref.Addr().AsSlice(), Mask: net.CIDRMask(pref.Bits(), pref.Addr().BitLen())}
}

func ipNetToPrefix(n net.IPNet) (netip.Prefix, error) {
	a, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid IP %v", n.IP)
	}
	a = a.Unmap()
	one, bits := n.Mask.Size()
	if bits == 128 && a.Is4() {
		one -= 96
	}
	return netip.PrefixFrom(a, one), nil
}
