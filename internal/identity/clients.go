package identity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
	"unicode"

	"wiremesh"
	"wiremesh/internal/adapter/sqlite"
	"wiremesh/pkg/ipam"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const maxClientNameLen = 64

// newClient is the full set of index entries written for a client.
type newClient struct {
	pub      wgtypes.Key
	name     string
	subnet   string
	v6       netip.Addr
	deadline time.Time // zero for the server identity
}

// CreateClient provisions a client in subnet and returns its addresses. The
// IPv4 address is invalid unless wantsV4 is set.
func (s *Store) CreateClient(ctx context.Context, name string, pub wgtypes.Key, subnet string, wantsV4 bool) (v6, v4 netip.Addr, err error) {
	err = s.Update(ctx, func(tx *Tx) error {
		v6, v4, err = tx.createClient(name, pub, subnet, wantsV4)
		return err
	})
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("create client %q in %q: %w", name, subnet, err)
	}
	return v6, v4, nil
}

func (tx *Tx) createClient(name string, pub wgtypes.Key, subnet string, wantsV4 bool) (v6, v4 netip.Addr, err error) {
	if err := validateClientName(name); err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	subnet = normalizeDomain(subnet)
	err = tx.kv.Nested(func(kv *sqlite.Tx) error {
		network, err := tx.subnetNetwork(subnet)
		if err != nil {
			return err
		}
		v6, err = tx.s.alloc.Allocate(network, func(a netip.Addr) (bool, error) {
			if ipam.IsReserved(network, a) {
				return true, nil
			}
			return kv.Has(regionIPv6Pub, encodeAddr(a))
		})
		if err != nil {
			return err
		}
		if err := tx.insertClient(newClient{
			pub:      pub,
			name:     name,
			subnet:   subnet,
			v6:       v6,
			deadline: tx.now.Add(tx.s.cfg.NoHandshakeInterval),
		}); err != nil {
			return err
		}
		if wantsV4 {
			if v4, err = tx.assignIPv4(pub); err != nil {
				return err
			}
		}
		return nil
	})
	return v6, v4, err
}

// insertClient writes every index entry of a new client. All writes refuse
// to overwrite, so any collision aborts the enclosing sub-transaction.
func (tx *Tx) insertClient(c newClient) error {
	return tx.kv.Nested(func(kv *sqlite.Tx) error {
		pub := c.pub[:]
		subnet := []byte(c.subnet)
		if err := kv.Insert(regionPubIPv6, pub, encodeAddr(c.v6)); err != nil {
			return err
		}
		if err := kv.Insert(regionIPv6Pub, encodeAddr(c.v6), pub); err != nil {
			return err
		}
		if err := kv.Insert(regionPubName, pub, []byte(c.name)); err != nil {
			return err
		}
		if err := kv.Insert(regionPubCreatedOn, pub, encodeTime(tx.now)); err != nil {
			return err
		}
		if err := kv.Insert(regionPubSubnet, pub, subnet); err != nil {
			return err
		}
		if err := kv.AddValue(regionSubnetClients, subnet, pub); err != nil {
			return err
		}
		if err := kv.AddValue(regionSubnetNameHashes, subnet, nameDigest(c.name)); err != nil {
			return fmt.Errorf("name %q already used in %q: %w", c.name, c.subnet, err)
		}
		if !c.deadline.IsZero() {
			if err := kv.Insert(regionPubDeadline, pub, encodeTime(c.deadline)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignIPv4 gives the named client an IPv4 address from the server pool.
// A client that already holds one keeps it.
func (s *Store) AssignIPv4(ctx context.Context, subnet, name string) (netip.Addr, error) {
	var out netip.Addr
	err := s.Update(ctx, func(tx *Tx) error {
		pub, err := tx.clientByName(subnet, name)
		if err != nil {
			return err
		}
		if err := tx.guardServer(pub); err != nil {
			return err
		}
		out, err = tx.assignIPv4(pub)
		return err
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("assign ipv4 to %q in %q: %w", name, subnet, err)
	}
	return out, nil
}

func (tx *Tx) assignIPv4(pub wgtypes.Key) (netip.Addr, error) {
	pool := tx.s.cfg.IPv4Pool
	if !pool.IsValid() {
		return netip.Addr{}, &wiremesh.ValidationError{Field: "ipv4_pool", Message: "no IPv4 pool configured"}
	}
	raw, err := tx.kv.Get(regionPubIPv4, pub[:])
	if err == nil {
		return decodeAddr(raw)
	}
	if !errors.Is(err, wiremesh.ErrNotFound) {
		return netip.Addr{}, err
	}

	var v4 netip.Addr
	err = tx.kv.Nested(func(kv *sqlite.Tx) error {
		var err error
		v4, err = tx.s.alloc.Allocate(pool, func(a netip.Addr) (bool, error) {
			if ipam.IsReserved(pool, a) {
				return true, nil
			}
			return kv.Has(regionIPv4Pub, encodeAddr(a))
		})
		if err != nil {
			return err
		}
		if err := kv.Insert(regionPubIPv4, pub[:], encodeAddr(v4)); err != nil {
			return err
		}
		return kv.Insert(regionIPv4Pub, encodeAddr(v4), pub[:])
	})
	return v4, err
}

// RemoveClient deletes a client and every index entry that refers to it.
func (s *Store) RemoveClient(ctx context.Context, pub wgtypes.Key) (wiremesh.Client, error) {
	var removed wiremesh.Client
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		removed, err = tx.removeClient(pub)
		return err
	})
	if err != nil {
		return wiremesh.Client{}, fmt.Errorf("remove client %s: %w", pub, err)
	}
	return removed, nil
}

// RemoveClientByName deletes the named client of subnet.
func (s *Store) RemoveClientByName(ctx context.Context, subnet, name string) (wiremesh.Client, error) {
	var removed wiremesh.Client
	err := s.Update(ctx, func(tx *Tx) error {
		pub, err := tx.clientByName(subnet, name)
		if err != nil {
			return err
		}
		removed, err = tx.removeClient(pub)
		return err
	})
	if err != nil {
		return wiremesh.Client{}, fmt.Errorf("remove client %q from %q: %w", name, subnet, err)
	}
	return removed, nil
}

func (tx *Tx) removeClient(pub wgtypes.Key) (wiremesh.Client, error) {
	if err := tx.guardServer(pub); err != nil {
		return wiremesh.Client{}, err
	}
	c, err := tx.Client(pub)
	if err != nil {
		return wiremesh.Client{}, err
	}
	err = tx.kv.Nested(func(kv *sqlite.Tx) error {
		k := pub[:]
		subnet := []byte(c.Subnet)
		required := []struct {
			r   sqlite.Region
			key []byte
		}{
			{regionPubIPv6, k},
			{regionIPv6Pub, encodeAddr(c.AddressV6)},
			{regionPubName, k},
			{regionPubCreatedOn, k},
			{regionPubSubnet, k},
		}
		for _, e := range required {
			if err := kv.Delete(e.r, e.key); err != nil {
				return err
			}
		}
		if err := kv.RemoveValue(regionSubnetClients, subnet, k); err != nil {
			return err
		}
		if err := kv.RemoveValue(regionSubnetNameHashes, subnet, nameDigest(c.Name)); err != nil {
			return err
		}

		if c.AddressV4.IsValid() {
			if err := kv.Delete(regionPubIPv4, k); err != nil {
				return err
			}
			if err := kv.Delete(regionIPv4Pub, encodeAddr(c.AddressV4)); err != nil {
				return err
			}
		}
		for _, r := range []sqlite.Region{regionPubHandshake, regionPubEndpoint, regionPubDeadline, regionPubConfig} {
			if err := ignoreNotFound(kv.Delete(r, k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wiremesh.Client{}, err
	}
	return c, nil
}

// RenameClient changes a client's name. The old and new name digests are
// swapped inside one sub-transaction so the dedup index never holds both or
// neither.
func (s *Store) RenameClient(ctx context.Context, pub wgtypes.Key, newName string) error {
	if err := validateClientName(newName); err != nil {
		return err
	}
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.guardServer(pub); err != nil {
			return err
		}
		return tx.kv.Nested(func(kv *sqlite.Tx) error {
			subnet, err := kv.Get(regionPubSubnet, pub[:])
			if err != nil {
				return err
			}
			oldName, err := kv.Get(regionPubName, pub[:])
			if err != nil {
				return err
			}
			oldDigest, newDigest := nameDigest(string(oldName)), nameDigest(newName)
			if string(oldDigest) != string(newDigest) {
				if err := kv.AddValue(regionSubnetNameHashes, subnet, newDigest); err != nil {
					return fmt.Errorf("name %q already used in %q: %w", newName, subnet, err)
				}
				if err := kv.RemoveValue(regionSubnetNameHashes, subnet, oldDigest); err != nil {
					return err
				}
			}
			return kv.Put(regionPubName, pub[:], []byte(newName))
		})
	})
	if err != nil {
		return fmt.Errorf("rename client %s: %w", pub, err)
	}
	return nil
}

// PuntTarget selects the clients whose deadline PuntInvalidation extends.
// An empty Name selects every client of Subnet.
type PuntTarget struct {
	Subnet string
	Name   string
}

// PuntInvalidation moves the invalidation deadline of the target clients to
// `to`, or to now + handshake interval when `to` is zero. It returns how many
// clients were updated; the server identity is skipped when a whole subnet is
// targeted.
func (s *Store) PuntInvalidation(ctx context.Context, target PuntTarget, to time.Time) (int, error) {
	var n int
	err := s.Update(ctx, func(tx *Tx) error {
		deadline := to
		if deadline.IsZero() {
			deadline = tx.now.Add(s.cfg.HandshakeInterval)
		}
		if !deadline.After(tx.now) {
			return &wiremesh.ValidationError{Field: "to", Message: "deadline must be in the future"}
		}

		var targets []wgtypes.Key
		if target.Name != "" {
			pub, err := tx.clientByName(target.Subnet, target.Name)
			if err != nil {
				return err
			}
			if err := tx.guardServer(pub); err != nil {
				return err
			}
			targets = append(targets, pub)
		} else {
			members, err := tx.members(target.Subnet)
			if err != nil {
				return err
			}
			for _, pub := range members {
				server, err := tx.IsServer(pub)
				if err != nil {
					return err
				}
				if !server {
					targets = append(targets, pub)
				}
			}
		}

		for _, pub := range targets {
			if err := tx.kv.Put(regionPubDeadline, pub[:], encodeTime(deadline)); err != nil {
				return err
			}
		}
		n = len(targets)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("punt invalidation in %q: %w", target.Subnet, err)
	}
	return n, nil
}

func (tx *Tx) members(subnet string) ([]wgtypes.Key, error) {
	subnet = normalizeDomain(subnet)
	if _, err := tx.subnetNetwork(subnet); err != nil {
		return nil, err
	}
	raw, err := tx.kv.Values(regionSubnetClients, []byte(subnet))
	if err != nil {
		return nil, err
	}
	out := make([]wgtypes.Key, 0, len(raw))
	for _, b := range raw {
		pub, err := decodeKey(b)
		if err != nil {
			return nil, fmt.Errorf("decode member of %q: %w", subnet, err)
		}
		out = append(out, pub)
	}
	return out, nil
}

// Client returns one client record.
func (s *Store) Client(ctx context.Context, pub wgtypes.Key) (wiremesh.Client, error) {
	var c wiremesh.Client
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		c, err = tx.Client(pub)
		return err
	})
	return c, err
}

// ClientByName returns the named client of subnet.
func (s *Store) ClientByName(ctx context.Context, subnet, name string) (wiremesh.Client, error) {
	var c wiremesh.Client
	err := s.View(ctx, func(tx *Tx) error {
		pub, err := tx.clientByName(subnet, name)
		if err != nil {
			return err
		}
		c, err = tx.Client(pub)
		return err
	})
	return c, err
}

// ListClients returns the clients of subnet, or of every subnet when subnet
// is empty, ordered by subnet then name.
func (s *Store) ListClients(ctx context.Context, subnet string) ([]wiremesh.Client, error) {
	var out []wiremesh.Client
	err := s.View(ctx, func(tx *Tx) error {
		var keys []wgtypes.Key
		if subnet != "" {
			var err error
			if keys, err = tx.members(subnet); err != nil {
				return err
			}
		} else {
			raw, err := tx.kv.Keys(regionPubIPv6)
			if err != nil {
				return err
			}
			for _, b := range raw {
				pub, err := decodeKey(b)
				if err != nil {
					return fmt.Errorf("decode client key: %w", err)
				}
				keys = append(keys, pub)
			}
		}

		out = make([]wiremesh.Client, 0, len(keys))
		for _, pub := range keys {
			c, err := tx.Client(pub)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	slices.SortFunc(out, func(a, b wiremesh.Client) int {
		return cmp.Or(cmp.Compare(a.Subnet, b.Subnet), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

// ValidateNewClientName reports whether name is well formed and still free in subnet.
func (s *Store) ValidateNewClientName(ctx context.Context, subnet, name string) (bool, error) {
	if validateClientName(name) != nil {
		return false, nil
	}
	var free bool
	subnet = normalizeDomain(subnet)
	err := s.View(ctx, func(tx *Tx) error {
		if _, err := tx.subnetNetwork(subnet); err != nil {
			return err
		}
		taken, err := tx.kv.HasValue(regionSubnetNameHashes, []byte(subnet), nameDigest(name))
		free = !taken
		return err
	})
	if errors.Is(err, wiremesh.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate client name: %w", err)
	}
	return free, nil
}

// SetServedConfig stores the rendered profile a client can fetch until its
// first handshake.
func (s *Store) SetServedConfig(ctx context.Context, pub wgtypes.Key, blob []byte) error {
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.kv.Get(regionPubIPv6, pub[:]); err != nil {
			return fmt.Errorf("client %s: %w", pub, err)
		}
		return tx.kv.Put(regionPubConfig, pub[:], blob)
	})
}

// RenderFunc builds the served configuration of a client that was just
// created inside network.
type RenderFunc func(client wiremesh.Client, network netip.Prefix) ([]byte, error)

// CreateClientWithConfig creates a client and stores the profile render
// returns for it in one transaction. When render fails nothing is written.
func (s *Store) CreateClientWithConfig(ctx context.Context, name string, pub wgtypes.Key, subnet string, wantsV4 bool, render RenderFunc) (wiremesh.Client, []byte, error) {
	var (
		client wiremesh.Client
		blob   []byte
	)
	err := s.Update(ctx, func(tx *Tx) error {
		if _, _, err := tx.createClient(name, pub, subnet, wantsV4); err != nil {
			return err
		}
		c, err := tx.Client(pub)
		if err != nil {
			return err
		}
		network, err := tx.subnetNetwork(c.Subnet)
		if err != nil {
			return err
		}
		if blob, err = render(c, network); err != nil {
			return fmt.Errorf("render profile: %w", err)
		}
		if err := tx.kv.Put(regionPubConfig, pub[:], blob); err != nil {
			return err
		}
		c.HasServedConfig = true
		client = c
		return nil
	})
	if err != nil {
		return wiremesh.Client{}, nil, fmt.Errorf("create client %q in %q: %w", name, subnet, err)
	}
	return client, blob, nil
}

// ServedConfig returns the stored profile of a client.
func (s *Store) ServedConfig(ctx context.Context, pub wgtypes.Key) ([]byte, error) {
	var blob []byte
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		blob, err = tx.kv.Get(regionPubConfig, pub[:])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("served config for %s: %w", pub, err)
	}
	return blob, nil
}

func validateClientName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &wiremesh.ValidationError{Field: "name", Message: "client name is required"}
	}
	if trimmed != name {
		return &wiremesh.ValidationError{Field: "name", Message: "client name has surrounding whitespace"}
	}
	if len(name) > maxClientNameLen {
		return &wiremesh.ValidationError{Field: "name", Message: fmt.Sprintf("client name exceeds %d bytes", maxClientNameLen)}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return &wiremesh.ValidationError{Field: "name", Message: "client name contains control characters"}
		}
	}
	return nil
}
