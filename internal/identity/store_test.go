package identity

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"wiremesh"
	"wiremesh/internal/adapter/fake"
	"wiremesh/internal/adapter/sqlite"

	"github.com/mr-tron/base58"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		ServerNetwork: netip.MustParsePrefix("fd77:6d00::/48"),
		SubnetBits:    64,
		IPv4Pool:      netip.MustParsePrefix("10.77.0.0/16"),
	}
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fake.Clock) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	clock := fake.NewClock(testStart)
	s, err := New(db, cfg, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	return s, clock
}

func newKey(t *testing.T) wgtypes.Key {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv.PublicKey()
}

func mustCreateSubnet(t *testing.T, s *Store, name string) netip.Prefix {
	t.Helper()
	network, _, err := s.CreateSubnet(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateSubnet(%q): %v", name, err)
	}
	return network
}

// checkIndexes asserts that every index entry of pub agrees with the others.
func checkIndexes(t *testing.T, s *Store, pub wgtypes.Key) {
	t.Helper()
	err := s.View(context.Background(), func(tx *Tx) error {
		c, err := tx.Client(pub)
		if err != nil {
			return err
		}
		back, err := tx.kv.Get(regionIPv6Pub, encodeAddr(c.AddressV6))
		if err != nil {
			return err
		}
		if !bytes.Equal(back, pub[:]) {
			t.Errorf("v6 index of %s points at %x", c.AddressV6, back)
		}
		if c.AddressV4.IsValid() {
			back, err := tx.kv.Get(regionIPv4Pub, encodeAddr(c.AddressV4))
			if err != nil {
				return err
			}
			if !bytes.Equal(back, pub[:]) {
				t.Errorf("v4 index of %s points at %x", c.AddressV4, back)
			}
		}
		member, err := tx.kv.HasValue(regionSubnetClients, []byte(c.Subnet), pub[:])
		if err != nil {
			return err
		}
		if !member {
			t.Errorf("subnet %q does not list %s", c.Subnet, pub)
		}
		named, err := tx.kv.HasValue(regionSubnetNameHashes, []byte(c.Subnet), nameDigest(c.Name))
		if err != nil {
			return err
		}
		if !named {
			t.Errorf("subnet %q does not hold the name digest of %q", c.Subnet, c.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check indexes of %s: %v", pub, err)
	}
}

// checkGone asserts that no index still mentions pub or its old addresses.
func checkGone(t *testing.T, s *Store, old wiremesh.Client) {
	t.Helper()
	pub := old.PublicKey
	err := s.View(context.Background(), func(tx *Tx) error {
		for _, r := range []sqlite.Region{
			regionPubIPv6, regionPubIPv4, regionPubName, regionPubCreatedOn, regionPubSubnet,
			regionPubHandshake, regionPubEndpoint, regionPubDeadline, regionPubConfig,
		} {
			if ok, err := tx.kv.Has(r, pub[:]); err != nil || ok {
				t.Errorf("%s still holds %s (err=%v)", r, pub, err)
			}
		}
		if ok, _ := tx.kv.Has(regionIPv6Pub, encodeAddr(old.AddressV6)); ok {
			t.Errorf("v6 reverse index still holds %s", old.AddressV6)
		}
		if old.AddressV4.IsValid() {
			if ok, _ := tx.kv.Has(regionIPv4Pub, encodeAddr(old.AddressV4)); ok {
				t.Errorf("v4 reverse index still holds %s", old.AddressV4)
			}
		}
		if ok, _ := tx.kv.HasValue(regionSubnetClients, []byte(old.Subnet), pub[:]); ok {
			t.Errorf("subnet %q still lists %s", old.Subnet, pub)
		}
		if ok, _ := tx.kv.HasValue(regionSubnetNameHashes, []byte(old.Subnet), nameDigest(old.Name)); ok {
			t.Errorf("subnet %q still holds name %q", old.Subnet, old.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing network", Config{SubnetBits: 64}},
		{"ipv4 server network", Config{ServerNetwork: netip.MustParsePrefix("10.0.0.0/8"), SubnetBits: 24}},
		{"subnet wider than network", Config{ServerNetwork: netip.MustParsePrefix("fd00::/48"), SubnetBits: 40}},
		{"ipv6 pool", Config{ServerNetwork: netip.MustParsePrefix("fd00::/48"), SubnetBits: 64, IPv4Pool: netip.MustParsePrefix("fd01::/64")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, tt.cfg)
			var verr *wiremesh.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateClient_AddressInsideSubnet(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()

	network := mustCreateSubnet(t, s, "example.com")
	if network.Bits() != 64 || !testConfig().ServerNetwork.Contains(network.Addr()) {
		t.Fatalf("subnet %s is not a /64 inside the server network", network)
	}

	pk := newKey(t)
	v6, v4, err := s.CreateClient(ctx, "alice", pk, "example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	if !network.Contains(v6) {
		t.Errorf("address %s outside %s", v6, network)
	}
	if v4.IsValid() {
		t.Errorf("expected no IPv4, got %s", v4)
	}

	c, err := s.Client(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	if want := testStart.Add(DefaultNoHandshakeInterval); !c.InvalidationDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", c.InvalidationDeadline, want)
	}
	if !c.CreatedOn.Equal(testStart) {
		t.Errorf("createdOn = %v, want %v", c.CreatedOn, testStart)
	}
	if c.HasHandshaken() {
		t.Error("new client reports a handshake")
	}
	checkIndexes(t, s, pk)
}

func TestCreateClient_WithIPv4(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	mustCreateSubnet(t, s, "example.com")

	pk := newKey(t)
	_, v4, err := s.CreateClient(context.Background(), "alice", pk, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if !testConfig().IPv4Pool.Contains(v4) {
		t.Errorf("ipv4 %s outside pool", v4)
	}
	checkIndexes(t, s, pk)
}

func TestCreateClient_UnknownSubnet(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	_, _, err := s.CreateClient(context.Background(), "alice", newKey(t), "missing.example", false)
	if !errors.Is(err, wiremesh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateClient_DuplicateKeyLeavesNoPartialEntries(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	pk := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", pk, "example.com", false); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.CreateClient(ctx, "bob", pk, "example.com", false)
	if !errors.Is(err, wiremesh.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	ok, err := s.ValidateNewClientName(ctx, "example.com", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("failed create left the name bob reserved")
	}
	clients, err := s.ListClients(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 || clients[0].Name != "alice" {
		t.Errorf("unexpected clients after failed create: %+v", clients)
	}
}

func TestCreateClient_DuplicateNameIgnoresCase(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")
	mustCreateSubnet(t, s, "other.org")

	if _, _, err := s.CreateClient(ctx, "alice", newKey(t), "example.com", false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateClient(ctx, "Alice", newKey(t), "example.com", false); !errors.Is(err, wiremesh.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	// Names are scoped per subnet.
	if _, _, err := s.CreateClient(ctx, "alice", newKey(t), "other.org", false); err != nil {
		t.Fatalf("same name in another subnet: %v", err)
	}
}

func TestCreateClient_InvalidNames(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	mustCreateSubnet(t, s, "example.com")

	for _, name := range []string{"", "  padded ", "tab\there", string(make([]byte, maxClientNameLen+1))} {
		_, _, err := s.CreateClient(context.Background(), name, newKey(t), "example.com", false)
		var verr *wiremesh.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("name %q: expected ValidationError, got %v", name, err)
		}
	}
}

func TestCreateClient_PoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.SubnetBits = 127 // both addresses are reserved
	cfg.MaxAllocAttempts = 8
	s, _ := newTestStore(t, cfg)
	mustCreateSubnet(t, s, "tiny.example")

	_, _, err := s.CreateClient(context.Background(), "alice", newKey(t), "tiny.example", false)
	if !errors.Is(err, wiremesh.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestRemoveClient_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	if _, _, err := s.CreateClient(ctx, "bob", newKey(t), "example.com", false); err != nil {
		t.Fatal(err)
	}
	before, err := s.ListClients(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}

	pk := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", pk, "example.com", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetServedConfig(ctx, pk, []byte("[Interface]")); err != nil {
		t.Fatal(err)
	}

	removed, err := s.RemoveClient(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	if removed.Name != "alice" || !removed.AddressV4.IsValid() || !removed.HasServedConfig {
		t.Errorf("unexpected removed record: %+v", removed)
	}
	checkGone(t, s, removed)

	after, err := s.ListClients(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Errorf("member count %d after round trip, want %d", len(after), len(before))
	}

	_, err = s.RemoveClient(ctx, pk)
	if !errors.Is(err, wiremesh.ErrNotFound) {
		t.Fatalf("second remove: expected ErrNotFound, got %v", err)
	}
	checkGone(t, s, removed)
}

func TestRemoveClientByName(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	pk := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", pk, "example.com", false); err != nil {
		t.Fatal(err)
	}
	removed, err := s.RemoveClientByName(ctx, "example.com", "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if removed.PublicKey != pk {
		t.Errorf("removed %s, want %s", removed.PublicKey, pk)
	}
	if _, err := s.RemoveClientByName(ctx, "example.com", "alice"); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignIPv4(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	pk := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", pk, "example.com", false); err != nil {
		t.Fatal(err)
	}
	v4, err := s.AssignIPv4(ctx, "example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.AssignIPv4(ctx, "example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again != v4 {
		t.Errorf("second assignment changed address: %s -> %s", v4, again)
	}
	checkIndexes(t, s, pk)
}

func TestRenameClient(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	alice, bob := newKey(t), newKey(t)
	for name, pk := range map[string]wgtypes.Key{"alice": alice, "bob": bob} {
		if _, _, err := s.CreateClient(ctx, name, pk, "example.com", false); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RenameClient(ctx, alice, "carol"); err != nil {
		t.Fatal(err)
	}
	c, err := s.ClientByName(ctx, "example.com", "carol")
	if err != nil {
		t.Fatal(err)
	}
	if c.PublicKey != alice {
		t.Errorf("carol resolves to %s, want %s", c.PublicKey, alice)
	}
	if ok, _ := s.ValidateNewClientName(ctx, "example.com", "alice"); !ok {
		t.Error("old name still reserved after rename")
	}
	checkIndexes(t, s, alice)

	if err := s.RenameClient(ctx, alice, "bob"); !errors.Is(err, wiremesh.ErrKeyExists) {
		t.Fatalf("rename onto existing name: expected ErrKeyExists, got %v", err)
	}
	c, err = s.Client(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "carol" {
		t.Errorf("failed rename changed name to %q", c.Name)
	}
	checkIndexes(t, s, alice)

	// A case-only rename keeps the same digest.
	if err := s.RenameClient(ctx, alice, "Carol"); err != nil {
		t.Fatal(err)
	}
	checkIndexes(t, s, alice)
}

func TestPuntInvalidation(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	server := newKey(t)
	if _, err := s.EnsureServer(ctx, "example.com", server); err != nil {
		t.Fatal(err)
	}
	alice, bob := newKey(t), newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", alice, "example.com", false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateClient(ctx, "bob", bob, "example.com", false); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	n, err := s.PuntInvalidation(ctx, PuntTarget{Subnet: "example.com"}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("punted %d clients, want 2", n)
	}
	want := clock.Now().Add(DefaultHandshakeInterval)
	for _, pk := range []wgtypes.Key{alice, bob} {
		c, err := s.Client(ctx, pk)
		if err != nil {
			t.Fatal(err)
		}
		if !c.InvalidationDeadline.Equal(want) {
			t.Errorf("%s deadline = %v, want %v", c.Name, c.InvalidationDeadline, want)
		}
	}
	srv, err := s.Client(ctx, server)
	if err != nil {
		t.Fatal(err)
	}
	if !srv.InvalidationDeadline.IsZero() {
		t.Errorf("server identity got a deadline %v", srv.InvalidationDeadline)
	}

	to := clock.Now().Add(48 * time.Hour)
	if _, err := s.PuntInvalidation(ctx, PuntTarget{Subnet: "example.com", Name: "alice"}, to); err != nil {
		t.Fatal(err)
	}
	c, _ := s.Client(ctx, alice)
	if !c.InvalidationDeadline.Equal(to) {
		t.Errorf("alice deadline = %v, want %v", c.InvalidationDeadline, to)
	}

	_, err = s.PuntInvalidation(ctx, PuntTarget{Subnet: "example.com", Name: "alice"}, clock.Now().Add(-time.Second))
	var verr *wiremesh.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("past deadline: expected ValidationError, got %v", err)
	}
}

func TestPuntInvalidation_FarFutureDeadline(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")
	alice := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", alice, "example.com", false); err != nil {
		t.Fatal(err)
	}

	to := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.PuntInvalidation(ctx, PuntTarget{Subnet: "example.com", Name: "alice"}, to); err != nil {
		t.Fatal(err)
	}
	c, err := s.Client(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !c.InvalidationDeadline.Equal(to) {
		t.Fatalf("deadline = %v, want %v", c.InvalidationDeadline, to)
	}
	if c.Expired(clock.Now()) {
		t.Fatal("client punted to 2300 reported as expired")
	}
}

func TestTimeEncodingRoundTrip(t *testing.T) {
	tests := []time.Time{
		time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC),
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
		time.Date(1600, 6, 1, 0, 0, 0, 1, time.UTC),
	}
	for _, want := range tests {
		got, err := decodeTime(encodeTime(want))
		if err != nil {
			t.Fatalf("decodeTime(%v) error = %v", want, err)
		}
		if !got.Equal(want) {
			t.Errorf("round trip of %v = %v", want, got)
		}
	}
	if _, err := decodeTime(make([]byte, 8)); err == nil {
		t.Error("decodeTime accepted a short value")
	}
}

func TestCreateClientWithConfig(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	network := mustCreateSubnet(t, s, "example.com")

	alice := newKey(t)
	c, blob, err := s.CreateClientWithConfig(ctx, "alice", alice, "Example.com", true, func(c wiremesh.Client, n netip.Prefix) ([]byte, error) {
		if n != network {
			t.Errorf("render got network %v, want %v", n, network)
		}
		return []byte("profile for " + c.Name), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.HasServedConfig || !c.AddressV4.IsValid() || c.Subnet != "example.com" {
		t.Errorf("client = %+v", c)
	}
	stored, err := s.ServedConfig(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, blob) || string(blob) != "profile for alice" {
		t.Errorf("served config = %q, returned %q", stored, blob)
	}
}

func TestCreateClientWithConfig_RenderFailureWritesNothing(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	bob := newKey(t)
	var seen wiremesh.Client
	errRender := errors.New("no endpoint")
	_, _, err := s.CreateClientWithConfig(ctx, "bob", bob, "example.com", true, func(c wiremesh.Client, _ netip.Prefix) ([]byte, error) {
		seen = c
		return nil, errRender
	})
	if !errors.Is(err, errRender) {
		t.Fatalf("expected render error, got %v", err)
	}
	if !seen.AddressV6.IsValid() {
		t.Fatal("render was not called with the new client")
	}

	if _, err := s.Client(ctx, bob); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Fatalf("client after failed render: expected ErrNotFound, got %v", err)
	}
	checkGone(t, s, seen)
	if free, err := s.ValidateNewClientName(ctx, "example.com", "bob"); err != nil || !free {
		t.Errorf("name bob not released: free=%v err=%v", free, err)
	}
}

func TestServerIdentityIsImmutable(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()

	server := newKey(t)
	c, err := s.EnsureServer(ctx, "vpn.example.com", server)
	if err != nil {
		t.Fatal(err)
	}
	network, err := s.Subnet(ctx, "vpn.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if want := network.Network.Addr().Next(); c.AddressV6 != want {
		t.Errorf("server v6 = %s, want gateway %s", c.AddressV6, want)
	}
	if c.AddressV4 != netip.MustParseAddr("10.77.0.1") {
		t.Errorf("server v4 = %s, want 10.77.0.1", c.AddressV4)
	}
	checkIndexes(t, s, server)

	if _, err := s.EnsureServer(ctx, "vpn.example.com", server); err != nil {
		t.Fatalf("EnsureServer is not idempotent: %v", err)
	}
	if _, err := s.EnsureServer(ctx, "vpn.example.com", newKey(t)); !errors.Is(err, wiremesh.ErrImmutableClient) {
		t.Errorf("EnsureServer with another key: expected ErrImmutableClient, got %v", err)
	}

	checks := map[string]func() error{
		"remove": func() error { _, err := s.RemoveClient(ctx, server); return err },
		"remove by name": func() error {
			_, err := s.RemoveClientByName(ctx, "vpn.example.com", ServerClientName)
			return err
		},
		"rename":        func() error { return s.RenameClient(ctx, server, "other") },
		"assign ipv4":   func() error { _, err := s.AssignIPv4(ctx, "vpn.example.com", ServerClientName); return err },
		"remove subnet": func() error { _, err := s.RemoveSubnet(ctx, "vpn.example.com"); return err },
		"punt": func() error {
			_, err := s.PuntInvalidation(ctx, PuntTarget{Subnet: "vpn.example.com", Name: ServerClientName}, time.Time{})
			return err
		},
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, wiremesh.ErrImmutableClient) {
				t.Errorf("expected ErrImmutableClient, got %v", err)
			}
		})
	}
	checkIndexes(t, s, server)
}

func TestCreateSubnet_Duplicate(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	mustCreateSubnet(t, s, "example.com")
	if _, _, err := s.CreateSubnet(context.Background(), "example.com"); !errors.Is(err, wiremesh.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestRemoveSubnet_Cascades(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")
	mustCreateSubnet(t, s, "keep.org")

	var created []wgtypes.Key
	for _, name := range []string{"alice", "bob"} {
		pk := newKey(t)
		if _, _, err := s.CreateClient(ctx, name, pk, "example.com", true); err != nil {
			t.Fatal(err)
		}
		created = append(created, pk)
	}
	keep := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", keep, "keep.org", false); err != nil {
		t.Fatal(err)
	}

	removed, err := s.RemoveSubnet(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != len(created) {
		t.Fatalf("removed %d clients, want %d", len(removed), len(created))
	}
	for _, c := range removed {
		checkGone(t, s, c)
	}
	if _, err := s.Subnet(ctx, "example.com"); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("subnet lookup after removal: expected ErrNotFound, got %v", err)
	}
	if _, err := s.SecurityKey(ctx, "example.com"); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("security key after removal: expected ErrNotFound, got %v", err)
	}

	subnets, err := s.ListSubnets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subnets) != 1 || subnets[0].Name != "keep.org" {
		t.Errorf("unexpected subnets: %+v", subnets)
	}
	checkIndexes(t, s, keep)
}

func TestSubnetNamesAreCanonical(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()

	network, key, err := s.CreateSubnet(ctx, "Example.com.")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ValidateSecurity(ctx, HashDomain("example.com"), key); !ok {
		t.Fatal("key rejected for the canonical host")
	}

	alice := newKey(t)
	v6, _, err := s.CreateClient(ctx, "alice", alice, "example.com", false)
	if err != nil {
		t.Fatalf("CreateClient on the canonical host: %v", err)
	}
	if !network.Contains(v6) {
		t.Errorf("address %v outside %v", v6, network)
	}
	c, err := s.ClientByName(ctx, "EXAMPLE.COM", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if c.Subnet != "example.com" || c.PublicKey != alice {
		t.Errorf("client = %+v, want alice in example.com", c)
	}
	sn, err := s.Subnet(ctx, "example.com.")
	if err != nil {
		t.Fatal(err)
	}
	if sn.Name != "example.com" || sn.Network != network {
		t.Errorf("subnet = %+v", sn)
	}

	if _, _, err := s.CreateSubnet(ctx, "example.COM"); !errors.Is(err, wiremesh.ErrKeyExists) {
		t.Errorf("case variant: expected ErrKeyExists, got %v", err)
	}
	if _, _, err := s.CreateSubnet(ctx, "."); err == nil {
		t.Error("CreateSubnet(\".\") succeeded")
	}

	if _, err := s.RemoveSubnet(ctx, "Example.Com"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Client(ctx, alice); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("client after subnet removal: expected ErrNotFound, got %v", err)
	}
}

func TestSecurityKey(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()

	_, key, err := s.CreateSubnet(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	hash := HashDomain("example.com")

	tests := []struct {
		name string
		hash DomainHash
		key  string
		want bool
	}{
		{"valid", hash, key, true},
		{"host case and trailing dot", HashDomain("Example.COM."), key, true},
		{"wrong key", hash, base58.Encode(bytes.Repeat([]byte{7}, securityKeySize)), false},
		{"not base58", hash, "0OIl", false},
		{"unknown domain", HashDomain("other.org"), key, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ValidateSecurity(ctx, tt.hash, tt.key)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ValidateSecurity = %v, want %v", got, tt.want)
			}
		})
	}

	rotated, err := s.RegenerateSecurityKey(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ValidateSecurity(ctx, hash, key); ok {
		t.Error("old key still valid after rotation")
	}
	if ok, _ := s.ValidateSecurity(ctx, hash, rotated); !ok {
		t.Error("rotated key rejected")
	}
	current, err := s.SecurityKey(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if current != rotated {
		t.Errorf("SecurityKey = %q, want %q", current, rotated)
	}
}

func TestParseDomainHash(t *testing.T) {
	h := HashDomain("example.com")
	got, err := ParseDomainHash(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("parsed %s, want %s", got, h)
	}
	if _, err := ParseDomainHash("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestRecordHandshake_FirstClearsServedConfig(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	ctx := context.Background()
	mustCreateSubnet(t, s, "example.com")

	pk := newKey(t)
	if _, _, err := s.CreateClient(ctx, "alice", pk, "example.com", false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetServedConfig(ctx, pk, []byte("profile")); err != nil {
		t.Fatal(err)
	}

	at := testStart.Add(time.Minute)
	endpoint := netip.MustParseAddrPort("203.0.113.5:51820")
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.RecordHandshake(pk, at, endpoint, true)
	})
	if err != nil {
		t.Fatal(err)
	}

	c, err := s.Client(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	if !c.LastHandshake.Equal(at) || c.Endpoint != endpoint {
		t.Errorf("handshake not recorded: %+v", c)
	}
	if want := at.Add(DefaultHandshakeInterval); !c.InvalidationDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", c.InvalidationDeadline, want)
	}
	if c.HasServedConfig {
		t.Error("served config survived the first handshake")
	}
	if _, err := s.ServedConfig(ctx, pk); !errors.Is(err, wiremesh.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
