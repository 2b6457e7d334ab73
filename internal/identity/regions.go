package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"wiremesh/internal/adapter/sqlite"

	"golang.org/x/crypto/blake2b"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Persisted regions. Keys and values are raw bytes; see the encode helpers below.
const (
	regionMetadata sqlite.Region = "metadata"

	regionPubIPv4 sqlite.Region = "client_pub_ipv4"
	regionIPv4Pub sqlite.Region = "client_ipv4_pub"
	regionPubIPv6 sqlite.Region = "client_pub_ipv6"
	regionIPv6Pub sqlite.Region = "client_ipv6_pub"

	regionPubName      sqlite.Region = "client_pub_name"
	regionPubCreatedOn sqlite.Region = "client_pub_created_on"
	regionPubSubnet    sqlite.Region = "client_pub_subnet"
	regionPubHandshake sqlite.Region = "client_pub_handshake"
	regionPubEndpoint  sqlite.Region = "client_pub_endpoint"
	regionPubDeadline  sqlite.Region = "client_pub_invalidation"
	regionPubConfig    sqlite.Region = "client_pub_served_config"

	regionSubnetNetwork sqlite.Region = "subnet_name_network"
	regionNetworkSubnet sqlite.Region = "subnet_network_name"
	regionSubnetKey     sqlite.Region = "subnet_hash_security_key"

	// Multivalue regions keyed by subnet name.
	regionSubnetClients    sqlite.Region = "subnet_name_client_pub"
	regionSubnetNameHashes sqlite.Region = "subnet_name_client_name_hash"
)

var metaServerKey = []byte("server_public_key")

// nameDigestSize is the width of the per-subnet client name digest. Digest
// collisions are treated as impossible at this width.
const nameDigestSize = 8

// DomainHash is the fixed-width hash of a subnet name. Untrusted callers
// present only this hash together with the subnet's security key.
type DomainHash [blake2b.Size256]byte

// HashDomain returns the DomainHash of a subnet name.
func HashDomain(name string) DomainHash {
	return DomainHash(blake2b.Sum256([]byte(normalizeDomain(name))))
}

func (h DomainHash) String() string { return hex.EncodeToString(h[:]) }

// ParseDomainHash decodes the hex form produced by DomainHash.String.
func ParseDomainHash(s string) (DomainHash, error) {
	var h DomainHash
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("decode domain hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("domain hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func nameDigest(name string) []byte {
	d, err := blake2b.New(nameDigestSize, nil)
	if err != nil {
		panic(err) // size is a valid constant
	}
	d.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	return d.Sum(nil)
}

// normalizeDomain is the canonical form of a subnet name. Subnet records are
// keyed by it, so "Example.com." and "example.com" name the same subnet.
func normalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Times are stored as Unix seconds followed by nanoseconds, which covers any
// instant time.Time can express within the int64 second range.
const timeSize = 12

func encodeTime(t time.Time) []byte {
	b := binary.BigEndian.AppendUint64(make([]byte, 0, timeSize), uint64(t.Unix()))
	return binary.BigEndian.AppendUint32(b, uint32(t.Nanosecond()))
}

func decodeTime(b []byte) (time.Time, error) {
	if len(b) != timeSize {
		return time.Time{}, fmt.Errorf("time value has %d bytes", len(b))
	}
	sec := int64(binary.BigEndian.Uint64(b[:8]))
	nsec := binary.BigEndian.Uint32(b[8:])
	if nsec >= 1e9 {
		return time.Time{}, fmt.Errorf("time value has %d nanoseconds", nsec)
	}
	return time.Unix(sec, int64(nsec)).UTC(), nil
}

func encodeAddr(a netip.Addr) []byte {
	return a.AsSlice()
}

func decodeAddr(b []byte) (netip.Addr, error) {
	a, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}, fmt.Errorf("address value has %d bytes", len(b))
	}
	return a, nil
}

func encodePrefix(p netip.Prefix) []byte {
	return append(p.Addr().AsSlice(), byte(p.Bits()))
}

func decodePrefix(b []byte) (netip.Prefix, error) {
	if len(b) < 2 {
		return netip.Prefix{}, fmt.Errorf("prefix value has %d bytes", len(b))
	}
	a, err := decodeAddr(b[:len(b)-1])
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, int(b[len(b)-1])), nil
}

func decodeKey(b []byte) (wgtypes.Key, error) {
	return wgtypes.NewKey(b)
}
