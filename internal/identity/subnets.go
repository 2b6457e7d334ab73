package identity

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"unicode"

	"wiremesh"
	"wiremesh/internal/adapter/sqlite"

	"github.com/mr-tron/base58"
)

const maxSubnetNameLen = 253

// CreateSubnet provisions a tenant domain: it carves a vacant block out of the
// server network and stores a fresh security key under the name's hash.
func (s *Store) CreateSubnet(ctx context.Context, name string) (netip.Prefix, string, error) {
	var (
		network netip.Prefix
		key     string
	)
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		network, key, err = tx.createSubnet(name)
		return err
	})
	if err != nil {
		return netip.Prefix{}, "", fmt.Errorf("create subnet %q: %w", name, err)
	}
	return network, key, nil
}

func (tx *Tx) createSubnet(name string) (netip.Prefix, string, error) {
	name, err := canonicalSubnet(name)
	if err != nil {
		return netip.Prefix{}, "", err
	}
	var (
		network netip.Prefix
		key     []byte
	)
	err = tx.kv.Nested(func(kv *sqlite.Tx) error {
		exists, err := kv.Has(regionSubnetNetwork, []byte(name))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("subnet %q: %w", name, wiremesh.ErrKeyExists)
		}

		cfg := tx.s.cfg
		network, err = tx.s.alloc.AllocatePrefix(cfg.ServerNetwork, cfg.SubnetBits, func(a netip.Addr) (bool, error) {
			return kv.Has(regionNetworkSubnet, encodePrefix(netip.PrefixFrom(a, cfg.SubnetBits)))
		})
		if err != nil {
			return err
		}
		if key, err = tx.s.newSecurityKey(); err != nil {
			return err
		}

		hash := HashDomain(name)
		if err := kv.Insert(regionSubnetNetwork, []byte(name), encodePrefix(network)); err != nil {
			return err
		}
		if err := kv.Insert(regionNetworkSubnet, encodePrefix(network), []byte(name)); err != nil {
			return err
		}
		return kv.Insert(regionSubnetKey, hash[:], key)
	})
	if err != nil {
		return netip.Prefix{}, "", err
	}
	return network, base58.Encode(key), nil
}

// RemoveSubnet deletes a subnet and every client in it. A subnet holding the
// server's own identity cannot be removed.
func (s *Store) RemoveSubnet(ctx context.Context, name string) ([]wiremesh.Client, error) {
	var removed []wiremesh.Client
	name = normalizeDomain(name)
	err := s.Update(ctx, func(tx *Tx) error {
		network, err := tx.subnetNetwork(name)
		if err != nil {
			return err
		}
		members, err := tx.members(name)
		if err != nil {
			return err
		}
		for _, pub := range members {
			c, err := tx.removeClient(pub)
			if err != nil {
				return err
			}
			removed = append(removed, c)
		}

		hash := HashDomain(name)
		if err := tx.kv.Delete(regionSubnetNetwork, []byte(name)); err != nil {
			return err
		}
		if err := tx.kv.Delete(regionNetworkSubnet, encodePrefix(network)); err != nil {
			return err
		}
		if err := ignoreNotFound(tx.kv.Delete(regionSubnetKey, hash[:])); err != nil {
			return err
		}
		// Both multivalue sets are empty at this point; drop any leftovers.
		if _, err := tx.kv.DropValues(regionSubnetClients, []byte(name)); err != nil {
			return err
		}
		_, err = tx.kv.DropValues(regionSubnetNameHashes, []byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("remove subnet %q: %w", name, err)
	}
	return removed, nil
}

// Subnet returns one subnet record.
func (s *Store) Subnet(ctx context.Context, name string) (wiremesh.Subnet, error) {
	var out wiremesh.Subnet
	name = normalizeDomain(name)
	err := s.View(ctx, func(tx *Tx) error {
		network, err := tx.subnetNetwork(name)
		if err != nil {
			return err
		}
		out = wiremesh.Subnet{Name: name, Network: network}
		return nil
	})
	return out, err
}

// ListSubnets returns all subnets ordered by name.
func (s *Store) ListSubnets(ctx context.Context) ([]wiremesh.Subnet, error) {
	var out []wiremesh.Subnet
	err := s.View(ctx, func(tx *Tx) error {
		names, err := tx.kv.Keys(regionSubnetNetwork)
		if err != nil {
			return err
		}
		for _, name := range names {
			network, err := tx.subnetNetwork(string(name))
			if err != nil {
				return err
			}
			out = append(out, wiremesh.Subnet{Name: string(name), Network: network})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subnets: %w", err)
	}
	slices.SortFunc(out, func(a, b wiremesh.Subnet) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// canonicalSubnet validates name and returns the form subnet records are
// keyed by.
func canonicalSubnet(name string) (string, error) {
	if err := validateSubnetName(name); err != nil {
		return "", err
	}
	canonical := normalizeDomain(name)
	if canonical == "" {
		return "", &wiremesh.ValidationError{Field: "subnet", Message: "subnet name is required"}
	}
	return canonical, nil
}

func validateSubnetName(name string) error {
	if name == "" {
		return &wiremesh.ValidationError{Field: "subnet", Message: "subnet name is required"}
	}
	if len(name) > maxSubnetNameLen {
		return &wiremesh.ValidationError{Field: "subnet", Message: fmt.Sprintf("subnet name exceeds %d bytes", maxSubnetNameLen)}
	}
	if strings.IndexFunc(name, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return &wiremesh.ValidationError{Field: "subnet", Message: "subnet name contains whitespace"}
	}
	return nil
}
