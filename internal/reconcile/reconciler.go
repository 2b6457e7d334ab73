// Package reconcile converges the kernel's WireGuard interfaces on the
// desired state.
//
// Peers are staged per interface and written in one batched kernel call per
// cycle; interface addresses are diffed and applied as a delta. A failed
// cycle leaves the staged state untouched so the next one retries it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"wiremesh"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Interface is one managed interface and where its desired state comes from.
type Interface struct {
	Config InterfaceConfig
	Source Source
}

type managed struct {
	Interface
	index int // zero until the link exists
	stage *PeerStage
}

// Reconciler owns the staged peer sets of every managed interface.
type Reconciler struct {
	gw       KernelGateway
	resolver EndpointResolver
	log      *slog.Logger

	mu     sync.Mutex
	ifaces []*managed
}

// New creates a Reconciler. resolver may be nil.
func New(gw KernelGateway, resolver EndpointResolver, log *slog.Logger, ifaces ...Interface) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{gw: gw, resolver: resolver, log: log.With("component", "reconcile")}
	for _, iface := range ifaces {
		r.ifaces = append(r.ifaces, &managed{Interface: iface, stage: NewPeerStage()})
	}
	return r
}

// Stage returns a copy of the installed peers and pending removals of iface.
func (r *Reconciler) Stage(iface string) (installed []Peer, pending []wgtypes.Key, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(iface)
	if err != nil {
		return nil, nil, err
	}
	return m.stage.Installed(), m.stage.PendingRemoval(), nil
}

// Cycle reconciles every managed interface. A failing interface does not
// stop the others; all failures are returned joined.
func (r *Reconciler) Cycle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, m := range r.ifaces {
		if err := r.cycle(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", m.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) cycle(ctx context.Context, m *managed) error {
	log := r.log.With("iface", m.Config.Name)

	if m.index == 0 {
		if err := r.ensure(ctx, m); err != nil {
			return err
		}
	}

	desired, err := m.Source.Desired(ctx)
	if err != nil {
		return fmt.Errorf("load desired state: %w", err)
	}

	want := make(map[wgtypes.Key]struct{}, len(desired.Peers))
	for _, p := range desired.Peers {
		want[p.PublicKey] = struct{}{}
		m.stage.Update(p)
	}
	for _, p := range m.stage.Installed() {
		if _, ok := want[p.PublicKey]; !ok {
			m.stage.Remove(p.PublicKey)
		}
	}

	changed, err := r.commit(ctx, m)
	if err != nil {
		if errors.Is(err, wiremesh.ErrPermissionDenied) {
			log.Error("peer update denied, retrying next cycle", "err", err)
		} else {
			log.Warn("peer update failed, retrying next cycle", "err", err)
		}
		return err
	}
	if changed {
		if err := r.gw.SaveInterfaceConfig(ctx, m.Config.Name); err != nil {
			log.Warn("save interface config failed", "err", err)
		}
	}

	return r.syncAddresses(ctx, m, desired.Addresses)
}

// ensure brings the link up and adopts the peers the kernel already has, so
// that peers left over from an earlier run are removed by the next commit.
func (r *Reconciler) ensure(ctx context.Context, m *managed) error {
	index, err := r.gw.EnsureInterface(ctx, m.Config)
	if err != nil {
		return fmt.Errorf("ensure interface: %w", err)
	}
	peers, err := r.gw.Peers(ctx, m.Config.Name)
	if err != nil {
		return fmt.Errorf("list kernel peers: %w", err)
	}
	for _, p := range peers {
		m.stage.adopt(p)
	}
	m.index = index
	r.log.Info("interface ready", "iface", m.Config.Name, "index", index, "peers", len(peers))
	return nil
}

// commit writes a dirty stage to the kernel. It reports whether anything was written.
func (r *Reconciler) commit(ctx context.Context, m *managed) (bool, error) {
	if !m.stage.Dirty() {
		return false, nil
	}
	updates := m.stage.Updates()
	if err := r.gw.ConfigurePeers(ctx, m.Config.Name, updates); err != nil {
		return false, fmt.Errorf("configure peers: %w", err)
	}
	removed := len(m.stage.pending)
	m.stage.committed()
	r.log.Debug("peers committed", "iface", m.Config.Name, "installed", len(updates)-removed, "removed", removed)
	return true, nil
}

func (r *Reconciler) syncAddresses(ctx context.Context, m *managed, desired []netip.Prefix) error {
	existing, err := r.gw.ListInterfaceAddresses(ctx, m.index)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	delta := ComputeDelta(existing, desired)
	if delta.Empty() {
		return nil
	}
	ok, failed, err := r.gw.ApplyAddressDelta(ctx, m.index, delta.ToAdd, delta.ToRemove)
	if err != nil {
		return fmt.Errorf("apply address delta: %w", err)
	}
	if failed > 0 {
		r.log.Warn("address delta partially applied",
			"iface", m.Config.Name, "ok", ok, "failed", failed,
			"add", delta.ToAdd, "remove", delta.ToRemove)
	}
	return nil
}

// Execute runs lifecycle actions observed on iface. Removals of staged peers
// are committed right away; peers the stage never saw are removed from the
// kernel directly. Failures are logged and left for the next cycle.
func (r *Reconciler) Execute(ctx context.Context, iface string, actions []wiremesh.Action) {
	var resolve []wiremesh.Action
	r.mu.Lock()
	m, err := r.lookup(iface)
	if err != nil {
		r.mu.Unlock()
		r.log.Error("execute actions", "err", err)
		return
	}
	for _, a := range actions {
		switch a.Kind {
		case wiremesh.ActionRemoveClient:
			if m.stage.Remove(a.PublicKey) || m.stage.Has(a.PublicKey) {
				continue
			}
			if err := r.gw.UninstallPeer(ctx, iface, a.PublicKey); err != nil {
				r.log.Warn("uninstall peer failed", "iface", iface, "pub", a.PublicKey.String(), "err", err)
			}
		case wiremesh.ActionResolveEndpoint:
			resolve = append(resolve, a)
		default:
			r.log.Warn("unknown action", "kind", a.Kind.String(), "pub", a.PublicKey.String())
		}
	}
	if _, err := r.commit(ctx, m); err != nil {
		r.log.Warn("peer removal failed, retrying next cycle", "iface", iface, "err", err)
	}
	r.mu.Unlock()

	// Enrichment is outbound I/O; run it without holding the stage.
	if r.resolver == nil {
		return
	}
	for _, a := range resolve {
		if err := r.resolver.Resolve(ctx, a.PublicKey, a.Endpoint); err != nil {
			r.log.Debug("resolve endpoint failed", "pub", a.PublicKey.String(), "addr", a.Endpoint, "err", err)
		}
	}
}

// Install puts peer on iface immediately and records it as installed, so a
// freshly provisioned client can connect before the next cycle.
func (r *Reconciler) Install(ctx context.Context, iface string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(iface)
	if err != nil {
		return err
	}
	if m.index == 0 {
		// Not up yet: the first cycle installs it from the desired state.
		return nil
	}
	if err := r.gw.InstallPeer(ctx, iface, peer); err != nil {
		return fmt.Errorf("install peer %s on %s: %w", peer.PublicKey, iface, err)
	}
	m.stage.adopt(peer)
	return nil
}

func (r *Reconciler) lookup(iface string) (*managed, error) {
	i := slices.IndexFunc(r.ifaces, func(m *managed) bool { return m.Config.Name == iface })
	if i < 0 {
		return nil, fmt.Errorf("interface %q is not managed: %w", iface, wiremesh.ErrNotFound)
	}
	return r.ifaces[i], nil
}
