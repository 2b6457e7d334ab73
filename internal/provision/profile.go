package provision

import (
	"fmt"
	"net/netip"
	"time"

	"wiremesh"
	"wiremesh/infra/wireguard"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultKeepalive is written into client profiles so NATed clients keep
// their mapping alive between handshakes.
const DefaultKeepalive = 25 * time.Second

// Server describes the hosted interface as clients see it.
type Server struct {
	PublicKey wgtypes.Key
	Endpoint  string // host:port clients dial
	DNS       []netip.Addr
	IPv4Pool  netip.Prefix
	Keepalive time.Duration
}

// Profile is a rendered client configuration.
type Profile struct {
	Client     wiremesh.Client
	PrivateKey wgtypes.Key // zero when the profile was fetched rather than created
	Text       []byte
}

// RenderProfile renders the wg-quick profile for client. network is the
// client's subnet block.
func RenderProfile(client wiremesh.Client, priv wgtypes.Key, server Server, network netip.Prefix) ([]byte, error) {
	if !client.AddressV6.IsValid() {
		return nil, fmt.Errorf("render profile for %q: client has no address", client.Name)
	}

	addrs := []netip.Prefix{wireguard.HostPrefix(client.AddressV6)}
	allowed := []netip.Prefix{network.Masked()}
	if client.AddressV4.IsValid() {
		addrs = append(addrs, wireguard.HostPrefix(client.AddressV4))
		if server.IPv4Pool.IsValid() {
			allowed = append(allowed, server.IPv4Pool.Masked())
		}
	}

	keepalive := server.Keepalive
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}

	conf := wireguard.Conf{
		PrivateKey: priv,
		Addresses:  addrs,
		DNS:        server.DNS,
		Peers: []wireguard.ConfPeer{{
			PublicKey:           server.PublicKey,
			AllowedIPs:          allowed,
			Endpoint:            server.Endpoint,
			PersistentKeepalive: keepalive,
		}},
	}
	text, err := conf.Render()
	if err != nil {
		return nil, fmt.Errorf("render profile for %q: %w", client.Name, err)
	}
	return text, nil
}
