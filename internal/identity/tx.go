package identity

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"wiremesh"
	"wiremesh/internal/adapter/sqlite"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Tx is an identity-level view of an open store transaction. The lifecycle
// engine drives its handshake bookkeeping through these methods.
type Tx struct {
	kv  *sqlite.Tx
	s   *Store
	now time.Time
}

// Now is the wall-clock time captured when the transaction began.
func (tx *Tx) Now() time.Time { return tx.now }

// IsServer reports whether pub is the server's own identity.
func (tx *Tx) IsServer(pub wgtypes.Key) (bool, error) {
	stored, err := tx.kv.Get(regionMetadata, metaServerKey)
	if errors.Is(err, wiremesh.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, pub[:]), nil
}

func (tx *Tx) guardServer(pub wgtypes.Key) error {
	server, err := tx.IsServer(pub)
	if err != nil {
		return err
	}
	if server {
		return fmt.Errorf("client %s: %w", pub, wiremesh.ErrImmutableClient)
	}
	return nil
}

// Deadline returns the client's invalidation deadline. ok is false when no
// deadline is recorded, which means the key is unknown to the store or is
// the server's own identity.
func (tx *Tx) Deadline(pub wgtypes.Key) (deadline time.Time, ok bool, err error) {
	return tx.optionalTime(regionPubDeadline, pub)
}

// LastHandshake returns the last recorded handshake, if any.
func (tx *Tx) LastHandshake(pub wgtypes.Key) (at time.Time, ok bool, err error) {
	return tx.optionalTime(regionPubHandshake, pub)
}

func (tx *Tx) optionalTime(r sqlite.Region, pub wgtypes.Key) (time.Time, bool, error) {
	b, err := tx.kv.Get(r, pub[:])
	if errors.Is(err, wiremesh.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := decodeTime(b)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s for %s: %w", r, pub, err)
	}
	return t, true, nil
}

// RecordHandshake stores a handshake observed at `at` and pushes the
// invalidation deadline to at + handshake interval. An invalid endpoint leaves
// the stored one untouched. On the first handshake the served configuration is
// dropped: the client has demonstrably imported it.
func (tx *Tx) RecordHandshake(pub wgtypes.Key, at time.Time, endpoint netip.AddrPort, first bool) error {
	return tx.kv.Nested(func(kv *sqlite.Tx) error {
		if err := kv.Put(regionPubHandshake, pub[:], encodeTime(at)); err != nil {
			return err
		}
		deadline := at.Add(tx.s.cfg.HandshakeInterval)
		if err := kv.Put(regionPubDeadline, pub[:], encodeTime(deadline)); err != nil {
			return err
		}
		if endpoint.IsValid() {
			raw, err := endpoint.MarshalBinary()
			if err != nil {
				return fmt.Errorf("encode endpoint: %w", err)
			}
			if err := kv.Put(regionPubEndpoint, pub[:], raw); err != nil {
				return err
			}
		}
		if first {
			if err := ignoreNotFound(kv.Delete(regionPubConfig, pub[:])); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge removes every index entry of a client and returns the removed record.
func (tx *Tx) Purge(pub wgtypes.Key) (wiremesh.Client, error) {
	return tx.removeClient(pub)
}

// Client reads the full record of one client.
func (tx *Tx) Client(pub wgtypes.Key) (wiremesh.Client, error) {
	c := wiremesh.Client{PublicKey: pub}

	raw, err := tx.kv.Get(regionPubIPv6, pub[:])
	if err != nil {
		return c, fmt.Errorf("client %s: %w", pub, err)
	}
	if c.AddressV6, err = decodeAddr(raw); err != nil {
		return c, err
	}
	if raw, err = tx.kv.Get(regionPubName, pub[:]); err != nil {
		return c, err
	}
	c.Name = string(raw)
	if raw, err = tx.kv.Get(regionPubSubnet, pub[:]); err != nil {
		return c, err
	}
	c.Subnet = string(raw)
	if raw, err = tx.kv.Get(regionPubCreatedOn, pub[:]); err != nil {
		return c, err
	}
	if c.CreatedOn, err = decodeTime(raw); err != nil {
		return c, err
	}

	raw, err = tx.kv.Get(regionPubIPv4, pub[:])
	switch {
	case err == nil:
		if c.AddressV4, err = decodeAddr(raw); err != nil {
			return c, err
		}
	case !errors.Is(err, wiremesh.ErrNotFound):
		return c, err
	}

	raw, err = tx.kv.Get(regionPubEndpoint, pub[:])
	switch {
	case err == nil:
		if err := c.Endpoint.UnmarshalBinary(raw); err != nil {
			return c, fmt.Errorf("decode endpoint for %s: %w", pub, err)
		}
	case !errors.Is(err, wiremesh.ErrNotFound):
		return c, err
	}

	if c.LastHandshake, _, err = tx.LastHandshake(pub); err != nil {
		return c, err
	}
	if c.InvalidationDeadline, _, err = tx.Deadline(pub); err != nil {
		return c, err
	}
	if c.HasServedConfig, err = tx.kv.Has(regionPubConfig, pub[:]); err != nil {
		return c, err
	}
	return c, nil
}

func (tx *Tx) subnetNetwork(name string) (netip.Prefix, error) {
	name = normalizeDomain(name)
	raw, err := tx.kv.Get(regionSubnetNetwork, []byte(name))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("subnet %q: %w", name, err)
	}
	return decodePrefix(raw)
}

func (tx *Tx) clientByName(subnet, name string) (wgtypes.Key, error) {
	subnet = normalizeDomain(subnet)
	if _, err := tx.subnetNetwork(subnet); err != nil {
		return wgtypes.Key{}, err
	}
	members, err := tx.kv.Values(regionSubnetClients, []byte(subnet))
	if err != nil {
		return wgtypes.Key{}, err
	}
	want := nameDigest(name)
	for _, raw := range members {
		pub, err := decodeKey(raw)
		if err != nil {
			return wgtypes.Key{}, fmt.Errorf("decode member of %q: %w", subnet, err)
		}
		stored, err := tx.kv.Get(regionPubName, pub[:])
		if err != nil {
			return wgtypes.Key{}, err
		}
		if bytes.Equal(nameDigest(string(stored)), want) {
			return pub, nil
		}
	}
	return wgtypes.Key{}, fmt.Errorf("client %q in subnet %q: %w", name, subnet, wiremesh.ErrNotFound)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, wiremesh.ErrNotFound) {
		return nil
	}
	return err
}
