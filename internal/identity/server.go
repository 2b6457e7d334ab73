package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"wiremesh"
	"wiremesh/pkg/ipam"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ServerClientName is the name of the server's own client record.
const ServerClientName = "server"

// EnsureServer records pub as the server's own identity inside domain,
// creating the subnet when it does not exist yet. The server holds the
// gateway address of the subnet (and of the IPv4 pool) and never expires.
//
// Calling it again with the same key is a no-op; a different key is
// refused, since peers of every subnet are configured with the old one.
func (s *Store) EnsureServer(ctx context.Context, domain string, pub wgtypes.Key) (wiremesh.Client, error) {
	var out wiremesh.Client
	domain = normalizeDomain(domain)
	err := s.Update(ctx, func(tx *Tx) error {
		stored, err := tx.kv.Get(regionMetadata, metaServerKey)
		switch {
		case err == nil:
			if !bytes.Equal(stored, pub[:]) {
				return fmt.Errorf("server identity already recorded with another key: %w", wiremesh.ErrImmutableClient)
			}
			out, err = tx.Client(pub)
			return err
		case !errors.Is(err, wiremesh.ErrNotFound):
			return err
		}

		network, err := tx.subnetNetwork(domain)
		if errors.Is(err, wiremesh.ErrNotFound) {
			network, _, err = tx.createSubnet(domain)
		}
		if err != nil {
			return err
		}

		if err := tx.insertClient(newClient{
			pub:    pub,
			name:   ServerClientName,
			subnet: domain,
			v6:     ipam.Gateway(network),
		}); err != nil {
			return err
		}
		if pool := s.cfg.IPv4Pool; pool.IsValid() {
			v4 := ipam.Gateway(pool)
			if err := tx.kv.Insert(regionPubIPv4, pub[:], encodeAddr(v4)); err != nil {
				return err
			}
			if err := tx.kv.Insert(regionIPv4Pub, encodeAddr(v4), pub[:]); err != nil {
				return err
			}
		}
		if err := tx.kv.Put(regionMetadata, metaServerKey, pub[:]); err != nil {
			return err
		}
		out, err = tx.Client(pub)
		return err
	})
	if err != nil {
		return wiremesh.Client{}, fmt.Errorf("ensure server identity in %q: %w", domain, err)
	}
	return out, nil
}

// ServerKey returns the server's own public key.
func (s *Store) ServerKey(ctx context.Context) (wgtypes.Key, error) {
	var pub wgtypes.Key
	err := s.View(ctx, func(tx *Tx) error {
		raw, err := tx.kv.Get(regionMetadata, metaServerKey)
		if err != nil {
			return err
		}
		pub, err = decodeKey(raw)
		return err
	})
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("read server key: %w", err)
	}
	return pub, nil
}
