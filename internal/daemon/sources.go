package daemon

import (
	"context"
	"errors"
	"net/netip"

	"wiremesh"
	"wiremesh/config"
	"wiremesh/internal/identity"
	"wiremesh/internal/provision"
	"wiremesh/internal/reconcile"
	"wiremesh/pkg/ipam"
)

// HostedSource derives the hosted interface's desired state from the
// identity store: every client except the server itself is a peer, and the
// interface carries the gateway address of every subnet.
type HostedSource struct {
	Store *identity.Store
}

func (s HostedSource) Desired(ctx context.Context) (reconcile.Desired, error) {
	clients, err := s.Store.ListClients(ctx, "")
	if err != nil {
		return reconcile.Desired{}, err
	}
	server, err := s.Store.ServerKey(ctx)
	if err != nil && !errors.Is(err, wiremesh.ErrNotFound) {
		return reconcile.Desired{}, err
	}

	var out reconcile.Desired
	for _, c := range clients {
		if c.PublicKey == server {
			continue
		}
		out.Peers = append(out.Peers, provision.PeerOf(c))
	}

	subnets, err := s.Store.ListSubnets(ctx)
	if err != nil {
		return reconcile.Desired{}, err
	}
	for _, sn := range subnets {
		out.Addresses = append(out.Addresses, gatewayPrefix(sn.Network))
	}
	if pool := s.Store.Config().IPv4Pool; pool.IsValid() {
		out.Addresses = append(out.Addresses, gatewayPrefix(pool))
	}
	return out, nil
}

func gatewayPrefix(network netip.Prefix) netip.Prefix {
	return netip.PrefixFrom(ipam.Gateway(network), network.Bits())
}

// TrustedSource is the statically configured trusted interface.
func TrustedSource(cfg config.Trusted) reconcile.StaticSource {
	out := reconcile.StaticSource{Addresses: append([]netip.Prefix(nil), cfg.Prefixes...)}
	for _, p := range cfg.Peers {
		out.Peers = append(out.Peers, reconcile.Peer{
			PublicKey:    p.Key,
			PresharedKey: p.PSK,
			Endpoint:     p.AddrPort,
			AllowedIPs:   append([]netip.Prefix(nil), p.Allowed...),
		})
	}
	return out
}
