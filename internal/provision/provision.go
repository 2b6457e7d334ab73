// Package provision implements the bearer-token client provisioning surface.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"wiremesh"
	"wiremesh/infra/wireguard"
	"wiremesh/internal/identity"
	"wiremesh/internal/reconcile"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerInstaller pushes a freshly created client to the kernel ahead of the
// next reconcile cycle.
//
// Production: *reconcile.Reconciler.
type PeerInstaller interface {
	Install(ctx context.Context, iface string, peer reconcile.Peer) error
}

// KeyGenerator returns a new private key.
type KeyGenerator func() (wgtypes.Key, error)

// Service provisions clients for callers holding a subnet's security key.
type Service struct {
	store  *identity.Store
	server Server
	log    *slog.Logger

	// Installer and Interface are optional. When set, new clients are
	// installed on Interface immediately.
	Installer PeerInstaller
	Interface string

	// AssignIPv4 gives new clients an address from the IPv4 pool.
	AssignIPv4 bool

	GenerateKey KeyGenerator
}

func New(store *identity.Store, server Server, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:       store,
		server:      server,
		log:         log.With("component", "provision"),
		GenerateKey: wgtypes.GeneratePrivateKey,
	}
}

// CreateClientForSubnet creates a client named name in subnet host. The
// caller must present host's domain hash and security key; nothing is
// written when either check fails.
func (s *Service) CreateClientForSubnet(ctx context.Context, host string, hash identity.DomainHash, securityKey, name string) (Profile, error) {
	if identity.HashDomain(host) != hash {
		return Profile{}, fmt.Errorf("create client for %q: domain hash mismatch: %w", host, wiremesh.ErrPermissionDenied)
	}
	ok, err := s.store.ValidateSecurity(ctx, hash, securityKey)
	if err != nil {
		return Profile{}, fmt.Errorf("create client for %q: %w", host, err)
	}
	if !ok {
		return Profile{}, fmt.Errorf("create client for %q: invalid security key: %w", host, wiremesh.ErrPermissionDenied)
	}

	return s.Provision(ctx, host, name)
}

// Provision creates a client named name in subnet without checking
// credentials. The client record and its served profile are written in one
// transaction.
func (s *Service) Provision(ctx context.Context, subnet, name string) (Profile, error) {
	priv, err := s.GenerateKey()
	if err != nil {
		return Profile{}, fmt.Errorf("generate client key: %w", err)
	}
	pub := priv.PublicKey()

	client, text, err := s.store.CreateClientWithConfig(ctx, name, pub, subnet, s.AssignIPv4, func(c wiremesh.Client, network netip.Prefix) ([]byte, error) {
		return RenderProfile(c, priv, s.server, network)
	})
	if err != nil {
		return Profile{}, err
	}

	s.install(ctx, client)
	s.log.Info("client provisioned", "subnet", client.Subnet, "name", client.Name, "pub", pub.String(), "addr", client.AddressV6.String())
	return Profile{Client: client, PrivateKey: priv, Text: text}, nil
}

func (s *Service) install(ctx context.Context, client wiremesh.Client) {
	if s.Installer == nil || s.Interface == "" {
		return
	}
	if err := s.Installer.Install(ctx, s.Interface, PeerOf(client)); err != nil {
		// The next reconcile cycle installs it anyway.
		s.log.Warn("install new peer failed", "iface", s.Interface, "pub", client.PublicKey.String(), "err", err)
	}
}

// FetchServedConfig returns the profile stored for pub when the client
// belongs to host. Clients of other subnets and clients whose profile was
// already consumed are reported as not found.
func (s *Service) FetchServedConfig(ctx context.Context, pub wgtypes.Key, host string) (Profile, error) {
	client, err := s.store.Client(ctx, pub)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch served config: %w", err)
	}
	if identity.HashDomain(client.Subnet) != identity.HashDomain(host) {
		return Profile{}, fmt.Errorf("fetch served config: client %s not in %q: %w", pub, host, wiremesh.ErrNotFound)
	}

	text, err := s.store.ServedConfig(ctx, pub)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch served config: %w", err)
	}
	if len(text) == 0 {
		return Profile{}, fmt.Errorf("fetch served config: %w", wiremesh.ErrNotFound)
	}
	return Profile{Client: client, Text: text}, nil
}

// PeerOf is the hosted-interface peer for client.
func PeerOf(client wiremesh.Client) reconcile.Peer {
	allowed := []netip.Prefix{wireguard.HostPrefix(client.AddressV6)}
	if client.AddressV4.IsValid() {
		allowed = append(allowed, wireguard.HostPrefix(client.AddressV4))
	}
	return reconcile.Peer{PublicKey: client.PublicKey, AllowedIPs: allowed}
}

var _ PeerInstaller = (*reconcile.Reconciler)(nil)
