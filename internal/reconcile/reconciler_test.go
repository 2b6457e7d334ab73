package reconcile_test

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"wiremesh"
	"wiremesh/internal/adapter/fake"
	"wiremesh/internal/reconcile"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const iface = "wmh0123456789"

type mutableSource struct {
	desired reconcile.Desired
	err     error
}

func (s *mutableSource) Desired(context.Context) (reconcile.Desired, error) {
	return s.desired, s.err
}

func newKey(t *testing.T) wgtypes.Key {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv.PublicKey()
}

func clientPeer(pub wgtypes.Key, addrs ...string) reconcile.Peer {
	p := reconcile.Peer{PublicKey: pub}
	for _, a := range addrs {
		p.AllowedIPs = append(p.AllowedIPs, netip.MustParsePrefix(a))
	}
	return p
}

func newReconciler(t *testing.T, src reconcile.Source) (*reconcile.Reconciler, *fake.KernelGateway, *fake.EndpointResolver) {
	t.Helper()
	gw := fake.NewKernelGateway()
	res := fake.NewEndpointResolver()
	r := reconcile.New(gw, res, nil, reconcile.Interface{
		Config: reconcile.InterfaceConfig{Name: iface, ListenPort: 51820},
		Source: src,
	})
	return r, gw, res
}

func TestCycle_ConvergesAndGoesQuiet(t *testing.T) {
	ctx := context.Background()
	alice, bob := newKey(t), newKey(t)
	src := &mutableSource{desired: reconcile.Desired{
		Peers: []reconcile.Peer{
			clientPeer(alice, "fd77:6d00:1::2/128"),
			clientPeer(bob, "fd77:6d00:1::3/128", "10.77.0.3/32"),
		},
		Addresses: []netip.Prefix{netip.MustParsePrefix("fd77:6d00:1::1/64"), netip.MustParsePrefix("10.77.0.1/16")},
	}}
	r, gw, _ := newReconciler(t, src)

	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	dev := gw.Device(iface)
	if len(dev.Peers) != 2 {
		t.Errorf("kernel has %d peers, want 2", len(dev.Peers))
	}
	if len(dev.Addresses) != 2 {
		t.Errorf("kernel has %d addresses, want 2", len(dev.Addresses))
	}
	if dev.Saved != 1 {
		t.Errorf("config saved %d times, want 1", dev.Saved)
	}

	gw.Reset()
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(gw.Calls("ConfigurePeers")); n != 0 {
		t.Errorf("converged cycle configured peers %d times", n)
	}
	if n := len(gw.Calls("ApplyAddressDelta")); n != 0 {
		t.Errorf("converged cycle applied %d address deltas", n)
	}
	if n := len(gw.Calls("EnsureInterface")); n != 0 {
		t.Errorf("interface ensured again on second cycle")
	}
}

func TestCycle_AllowedIPsIPv4First(t *testing.T) {
	alice := newKey(t)
	src := &mutableSource{desired: reconcile.Desired{
		Peers: []reconcile.Peer{clientPeer(alice, "fd77:6d00:1::2/128", "10.77.0.2/32")},
	}}
	r, gw, _ := newReconciler(t, src)
	if err := r.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	calls := gw.Calls("ConfigurePeers")
	if len(calls) != 1 {
		t.Fatalf("ConfigurePeers called %d times", len(calls))
	}
	updates := calls[0].Args[1].([]reconcile.PeerUpdate)
	got := updates[0].AllowedIPs
	want := []netip.Prefix{netip.MustParsePrefix("10.77.0.2/32"), netip.MustParsePrefix("fd77:6d00:1::2/128")}
	if !slices.Equal(got, want) {
		t.Errorf("allowed IPs = %v, want %v", got, want)
	}
}

func TestCycle_RemovesStaleKernelPeers(t *testing.T) {
	ctx := context.Background()
	alice, stale := newKey(t), newKey(t)
	src := &mutableSource{desired: reconcile.Desired{Peers: []reconcile.Peer{clientPeer(alice, "fd77:6d00:1::2/128")}}}
	r, gw, _ := newReconciler(t, src)
	gw.Device(iface).Peers[stale] = clientPeer(stale, "fd77:6d00:1::9/128")

	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	dev := gw.Device(iface)
	if _, ok := dev.Peers[stale]; ok {
		t.Error("stale kernel peer survived the first cycle")
	}
	if _, ok := dev.Peers[alice]; !ok {
		t.Error("desired peer missing")
	}
	installed, pending, err := r.Stage(iface)
	if err != nil {
		t.Fatal(err)
	}
	if len(installed) != 1 || len(pending) != 0 {
		t.Errorf("stage after commit: installed=%d pending=%d", len(installed), len(pending))
	}
}

func TestCycle_PermissionDeniedKeepsStage(t *testing.T) {
	ctx := context.Background()
	alice := newKey(t)
	src := &mutableSource{desired: reconcile.Desired{Peers: []reconcile.Peer{clientPeer(alice, "fd77:6d00:1::2/128")}}}
	r, gw, _ := newReconciler(t, src)
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	// alice is revoked while the kernel refuses updates.
	src.desired.Peers = nil
	gw.Faults.FailAlways(fake.PointConfigurePeers, wiremesh.ErrPermissionDenied)
	err := r.Cycle(ctx)
	if !errors.Is(err, wiremesh.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	_, pending, _ := r.Stage(iface)
	if len(pending) != 1 || pending[0] != alice {
		t.Fatalf("pending after failure = %v, want [%s]", pending, alice)
	}
	if _, ok := gw.Device(iface).Peers[alice]; !ok {
		t.Fatal("peer removed despite failure")
	}

	gw.Faults.Clear(fake.PointConfigurePeers)
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	_, pending, _ = r.Stage(iface)
	if len(pending) != 0 {
		t.Errorf("pending after retry = %v", pending)
	}
	if _, ok := gw.Device(iface).Peers[alice]; ok {
		t.Error("peer still installed after retry")
	}
}

func TestCycle_PartialAddressFailureRetried(t *testing.T) {
	ctx := context.Background()
	good, bad := netip.MustParsePrefix("fd77:6d00:1::1/64"), netip.MustParsePrefix("10.77.0.1/16")
	src := &mutableSource{desired: reconcile.Desired{Addresses: []netip.Prefix{good, bad}}}
	r, gw, _ := newReconciler(t, src)
	gw.RejectAddrs = map[netip.Prefix]bool{bad: true}

	if err := r.Cycle(ctx); err != nil {
		t.Fatalf("partial failure must not fail the cycle: %v", err)
	}
	dev := gw.Device(iface)
	if _, ok := dev.Addresses[good]; !ok {
		t.Error("good address not applied")
	}

	gw.RejectAddrs = nil
	gw.Reset()
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	calls := gw.Calls("ApplyAddressDelta")
	if len(calls) != 1 {
		t.Fatalf("ApplyAddressDelta called %d times, want 1", len(calls))
	}
	if toAdd := calls[0].Args[1].([]netip.Prefix); !slices.Equal(toAdd, []netip.Prefix{bad}) {
		t.Errorf("retry added %v, want [%s]", toAdd, bad)
	}
}

func TestCycle_SourceErrorReported(t *testing.T) {
	src := &mutableSource{err: errors.New("store closed")}
	r, gw, _ := newReconciler(t, src)
	if err := r.Cycle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if n := len(gw.Calls("ConfigurePeers")); n != 0 {
		t.Errorf("peers configured despite source error")
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	alice, stranger := newKey(t), newKey(t)
	src := &mutableSource{desired: reconcile.Desired{Peers: []reconcile.Peer{clientPeer(alice, "fd77:6d00:1::2/128")}}}
	r, gw, res := newReconciler(t, src)
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	gw.Reset()

	endpoint := netip.MustParseAddr("203.0.113.5")
	r.Execute(ctx, iface, []wiremesh.Action{
		wiremesh.RemoveClient(alice),
		wiremesh.RemoveClient(stranger),
		wiremesh.ResolveEndpoint(alice, endpoint),
	})

	if _, ok := gw.Device(iface).Peers[alice]; ok {
		t.Error("staged peer not removed")
	}
	if calls := gw.Calls("UninstallPeer"); len(calls) != 1 || calls[0].Args[1] != stranger {
		t.Errorf("UninstallPeer calls = %+v, want one for the unstaged peer", calls)
	}
	if got := res.Resolved[alice]; got != endpoint {
		t.Errorf("resolved %s, want %s", got, endpoint)
	}
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	alice := newKey(t)
	peer := clientPeer(alice, "fd77:6d00:1::2/128")
	src := &mutableSource{}
	r, gw, _ := newReconciler(t, src)

	// Before the interface exists the first cycle picks the peer up.
	if err := r.Install(ctx, iface, peer); err != nil {
		t.Fatal(err)
	}
	if n := len(gw.Calls("InstallPeer")); n != 0 {
		t.Errorf("InstallPeer called before interface is up")
	}

	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Install(ctx, iface, peer); err != nil {
		t.Fatal(err)
	}
	if _, ok := gw.Device(iface).Peers[alice]; !ok {
		t.Fatal("peer not installed")
	}

	src.desired.Peers = []reconcile.Peer{peer}
	gw.Reset()
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(gw.Calls("ConfigurePeers")); n != 0 {
		t.Errorf("installed peer was configured again")
	}

	if err := r.Install(ctx, "unknown0", peer); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unmanaged interface, got %v", err)
	}
}

func TestCycle_EnsureInterfaceFailureRetried(t *testing.T) {
	ctx := context.Background()
	alice := newKey(t)
	src := &mutableSource{desired: reconcile.Desired{Peers: []reconcile.Peer{clientPeer(alice, "fd77:6d00:1::2/128")}}}
	r, gw, _ := newReconciler(t, src)

	linkDown := errors.New("link busy")
	gw.Faults.FailOnce(fake.PointEnsureInterface, linkDown)
	if err := r.Cycle(ctx); !errors.Is(err, linkDown) {
		t.Fatalf("first Cycle error = %v, want %v", err, linkDown)
	}
	if n := gw.Count("ConfigurePeers"); n != 0 {
		t.Fatalf("ConfigurePeers called %d times before interface was up", n)
	}

	if err := r.Cycle(ctx); err != nil {
		t.Fatalf("second Cycle error = %v", err)
	}
	if _, ok := gw.Device(iface).Peers[alice]; !ok {
		t.Fatal("alice not installed after retry")
	}
}

func TestInstall_FailureLeavesStageUntouched(t *testing.T) {
	ctx := context.Background()
	src := &mutableSource{}
	r, gw, _ := newReconciler(t, src)
	if err := r.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	bob := newKey(t)
	gw.Faults.SetHook(fake.PointInstallPeer, func(args ...any) error {
		if p, ok := args[1].(reconcile.Peer); ok && p.PublicKey == bob {
			return wiremesh.ErrPermissionDenied
		}
		return nil
	})
	err := r.Install(ctx, iface, clientPeer(bob, "fd77:6d00:1::3/128"))
	if !errors.Is(err, wiremesh.ErrPermissionDenied) {
		t.Fatalf("Install error = %v, want ErrPermissionDenied", err)
	}
	installed, _, _ := r.Stage(iface)
	if len(installed) != 0 {
		t.Fatalf("installed after failed Install = %v, want none", installed)
	}
}
