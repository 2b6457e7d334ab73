// Package ipam draws random, collision-checked addresses and sub-prefixes from a pool.
//
// Allocation order carries no meaning: the only guarantee is that a returned
// address was not reported as taken by the caller's occupancy check.
package ipam

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/netip"

	"wiremesh"
)

// DefaultMaxAttempts bounds the probe loop when an Allocator has no explicit limit.
const DefaultMaxAttempts = 128

// TakenFunc reports whether addr is already occupied. Errors abort allocation.
type TakenFunc func(addr netip.Addr) (bool, error)

// Allocator draws uniformly random candidates and retries on collision.
type Allocator struct {
	MaxAttempts int
	Rand        io.Reader // defaults to crypto/rand
}

// Allocate returns a free address inside pool.
// It fails with wiremesh.ErrPoolExhausted once MaxAttempts candidates collided.
func (a Allocator) Allocate(pool netip.Prefix, isTaken TakenFunc) (netip.Addr, error) {
	if !pool.IsValid() {
		return netip.Addr{}, fmt.Errorf("pool cidr is required")
	}
	pool = pool.Masked()
	for range a.attempts() {
		candidate, err := a.randomAddr(pool)
		if err != nil {
			return netip.Addr{}, err
		}
		taken, err := isTaken(candidate)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("probe %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("allocate address in %s after %d attempts: %w", pool, a.attempts(), wiremesh.ErrPoolExhausted)
}

// AllocatePrefix carves a free /bits block out of pool. isTaken receives the
// block's network address.
func (a Allocator) AllocatePrefix(pool netip.Prefix, bits int, isTaken TakenFunc) (netip.Prefix, error) {
	if !pool.IsValid() {
		return netip.Prefix{}, fmt.Errorf("pool cidr is required")
	}
	pool = pool.Masked()
	if bits < pool.Bits() || bits > pool.Addr().BitLen() {
		return netip.Prefix{}, fmt.Errorf("invalid block size /%d for pool %s", bits, pool)
	}
	for range a.attempts() {
		candidate, err := a.randomAddr(pool)
		if err != nil {
			return netip.Prefix{}, err
		}
		block := netip.PrefixFrom(candidate, bits).Masked()
		taken, err := isTaken(block.Addr())
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("probe %s: %w", block, err)
		}
		if !taken {
			return block, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("allocate /%d block in %s after %d attempts: %w", bits, pool, a.attempts(), wiremesh.ErrPoolExhausted)
}

func (a Allocator) attempts() int {
	if a.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return a.MaxAttempts
}

func (a Allocator) randomAddr(pool netip.Prefix) (netip.Addr, error) {
	r := a.Rand
	if r == nil {
		r = rand.Reader
	}
	return RandomAddr(pool, r)
}

// RandomAddr returns an address inside pool whose host bits are read from r.
func RandomAddr(pool netip.Prefix, r io.Reader) (netip.Addr, error) {
	pool = pool.Masked()
	base := pool.Addr().AsSlice()
	noise := make([]byte, len(base))
	if _, err := io.ReadFull(r, noise); err != nil {
		return netip.Addr{}, fmt.Errorf("read random bytes: %w", err)
	}

	bits := pool.Bits()
	for i := range base {
		// Number of network bits that fall into this byte.
		keep := bits - i*8
		switch {
		case keep >= 8:
			continue
		case keep <= 0:
			base[i] = noise[i]
		default:
			mask := byte(0xff << (8 - keep))
			base[i] = base[i]&mask | noise[i]&^mask
		}
	}

	addr, _ := netip.AddrFromSlice(base)
	return addr, nil
}

// Gateway returns the first host address of a block: the address the server
// holds on every network it hosts.
func Gateway(p netip.Prefix) netip.Addr {
	return p.Masked().Addr().Next()
}

// IsReserved reports whether addr is the network address, the gateway, or (for
// IPv4) the broadcast address of p. Reserved addresses are never handed out.
func IsReserved(p netip.Prefix, addr netip.Addr) bool {
	p = p.Masked()
	if addr == p.Addr() || addr == Gateway(p) {
		return true
	}
	if addr.Is4() && p.Bits() < 31 {
		return addr == lastAddr(p)
	}
	return false
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().AsSlice()
	bits := p.Bits()
	for i := range b {
		keep := bits - i*8
		switch {
		case keep >= 8:
		case keep <= 0:
			b[i] = 0xff
		default:
			b[i] |= ^byte(0xff << (8 - keep))
		}
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}
