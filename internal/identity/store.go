// Package identity owns subnet and client records and keeps their indexes
// consistent.
//
// Every public operation runs in one store transaction. Multi-step helpers
// run in nested sub-transactions, so a helper that fails part way leaves no
// partial index entries behind while the outer commit stays all-or-nothing.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"wiremesh"
	"wiremesh/internal/adapter/sqlite"
	"wiremesh/pkg/ipam"

	"github.com/mr-tron/base58"
)

const (
	// DefaultNoHandshakeInterval is how long a new client may stay silent.
	DefaultNoHandshakeInterval = 3600 * time.Second
	// DefaultHandshakeInterval is how long a handshake keeps a client alive.
	DefaultHandshakeInterval = 2629800 * time.Second

	securityKeySize = 32
)

// Config holds the address plan and liveness intervals.
type Config struct {
	ServerNetwork       netip.Prefix // IPv6 block tenant subnets are carved from
	SubnetBits          int
	IPv4Pool            netip.Prefix // server-wide pool for optional IPv4 addresses
	NoHandshakeInterval time.Duration
	HandshakeInterval   time.Duration
	MaxAllocAttempts    int
}

// Store is the identity store.
type Store struct {
	db    *sqlite.Store
	cfg   Config
	alloc ipam.Allocator
	clock wiremesh.Clock
	rand  io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(c wiremesh.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRandom overrides the randomness used for addresses and security keys.
func WithRandom(r io.Reader) Option {
	return func(s *Store) {
		s.rand = r
		s.alloc.Rand = r
	}
}

// New creates an identity store on top of db.
func New(db *sqlite.Store, cfg Config, opts ...Option) (*Store, error) {
	if !cfg.ServerNetwork.IsValid() || !cfg.ServerNetwork.Addr().Is6() {
		return nil, &wiremesh.ValidationError{Field: "server_network", Message: "an IPv6 prefix is required"}
	}
	if cfg.SubnetBits < cfg.ServerNetwork.Bits() || cfg.SubnetBits > 128 {
		return nil, &wiremesh.ValidationError{Field: "subnet_bits", Message: fmt.Sprintf("/%d does not fit inside %s", cfg.SubnetBits, cfg.ServerNetwork)}
	}
	if cfg.IPv4Pool.IsValid() && !cfg.IPv4Pool.Addr().Is4() {
		return nil, &wiremesh.ValidationError{Field: "ipv4_pool", Message: "an IPv4 prefix is required"}
	}
	if cfg.NoHandshakeInterval <= 0 {
		cfg.NoHandshakeInterval = DefaultNoHandshakeInterval
	}
	if cfg.HandshakeInterval <= 0 {
		cfg.HandshakeInterval = DefaultHandshakeInterval
	}
	cfg.ServerNetwork = cfg.ServerNetwork.Masked()
	cfg.IPv4Pool = cfg.IPv4Pool.Masked()

	s := &Store{
		db:    db,
		cfg:   cfg,
		alloc: ipam.Allocator{MaxAttempts: cfg.MaxAllocAttempts},
		clock: wiremesh.RealClock{},
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the normalized configuration.
func (s *Store) Config() Config { return s.cfg }

// Update runs fn in a write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.Update(ctx, func(kv *sqlite.Tx) error {
		return fn(&Tx{kv: kv, s: s, now: s.clock.Now()})
	})
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.View(ctx, func(kv *sqlite.Tx) error {
		return fn(&Tx{kv: kv, s: s, now: s.clock.Now()})
	})
}

func (s *Store) newSecurityKey() ([]byte, error) {
	key := make([]byte, securityKeySize)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		return nil, fmt.Errorf("generate security key: %w", err)
	}
	return key, nil
}

// RegenerateSecurityKey replaces the subnet's security key and returns the new one.
func (s *Store) RegenerateSecurityKey(ctx context.Context, subnet string) (string, error) {
	var out string
	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.subnetNetwork(subnet); err != nil {
			return err
		}
		key, err := s.newSecurityKey()
		if err != nil {
			return err
		}
		hash := HashDomain(subnet)
		if err := tx.kv.Put(regionSubnetKey, hash[:], key); err != nil {
			return fmt.Errorf("store security key: %w", err)
		}
		out = base58.Encode(key)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("regenerate security key for %q: %w", subnet, err)
	}
	return out, nil
}

// SecurityKey returns the subnet's current security key.
func (s *Store) SecurityKey(ctx context.Context, subnet string) (string, error) {
	var out string
	err := s.View(ctx, func(tx *Tx) error {
		hash := HashDomain(subnet)
		key, err := tx.kv.Get(regionSubnetKey, hash[:])
		if err != nil {
			return err
		}
		out = base58.Encode(key)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read security key for %q: %w", subnet, err)
	}
	return out, nil
}

// ValidateSecurity reports whether key is the security key stored for the
// subnet whose name hashes to hash. Unknown hashes and malformed keys are
// simply invalid.
func (s *Store) ValidateSecurity(ctx context.Context, hash DomainHash, key string) (bool, error) {
	presented, err := base58.Decode(key)
	if err != nil || len(presented) != securityKeySize {
		return false, nil
	}

	var stored []byte
	err = s.View(ctx, func(tx *Tx) error {
		var err error
		stored, err = tx.kv.Get(regionSubnetKey, hash[:])
		return err
	})
	if errors.Is(err, wiremesh.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate security key: %w", err)
	}
	return subtle.ConstantTimeCompare(stored, presented) == 1, nil
}
