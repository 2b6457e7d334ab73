package wiremesh

import (
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Subnet is a tenant domain: a named IPv6 block with its own client namespace.
type Subnet struct {
	Name    string
	Network netip.Prefix
}

// Client is a VPN peer identity tracked by the identity store.
type Client struct {
	PublicKey wgtypes.Key
	Name      string
	Subnet    string
	AddressV6 netip.Addr
	AddressV4 netip.Addr // invalid when no IPv4 was assigned
	CreatedOn time.Time

	LastHandshake        time.Time      // zero until the first handshake
	Endpoint             netip.AddrPort // invalid until a handshake reports one
	InvalidationDeadline time.Time      // zero only for the server's own identity
	HasServedConfig      bool
}

// HasHandshaken reports whether the kernel ever saw a handshake from this client.
func (c Client) HasHandshaken() bool {
	return !c.LastHandshake.IsZero()
}

// Expired reports whether the client's invalidation deadline has passed at now.
// The server's own identity never expires.
func (c Client) Expired(now time.Time) bool {
	return !c.InvalidationDeadline.IsZero() && !now.Before(c.InvalidationDeadline)
}

// ActionKind describes a side effect produced by the lifecycle engine.
type ActionKind uint8

const (
	// ActionRemoveClient asks the reconciler to drop a peer from the kernel.
	ActionRemoveClient ActionKind = iota + 1
	// ActionResolveEndpoint asks for enrichment of a freshly observed endpoint.
	ActionResolveEndpoint
)

func (k ActionKind) String() string {
	switch k {
	case ActionRemoveClient:
		return "remove-client"
	case ActionResolveEndpoint:
		return "resolve-endpoint"
	default:
		return "unknown"
	}
}

// Action is a side effect to run after a lifecycle transaction commits.
type Action struct {
	Kind      ActionKind
	PublicKey wgtypes.Key
	Endpoint  netip.Addr // set for ActionResolveEndpoint
}

// RemoveClient builds an ActionRemoveClient.
func RemoveClient(pub wgtypes.Key) Action {
	return Action{Kind: ActionRemoveClient, PublicKey: pub}
}

// ResolveEndpoint builds an ActionResolveEndpoint.
func ResolveEndpoint(pub wgtypes.Key, addr netip.Addr) Action {
	return Action{Kind: ActionResolveEndpoint, PublicKey: pub, Endpoint: addr}
}

// Clock abstracts time.Now() for deterministic testing.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
