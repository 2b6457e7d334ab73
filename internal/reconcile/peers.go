package reconcile

import (
	"bytes"
	"cmp"
	"net/netip"
	"slices"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Peer is the kernel configuration of one WireGuard peer.
type Peer struct {
	PublicKey    wgtypes.Key
	PresharedKey *wgtypes.Key
	Endpoint     netip.AddrPort // invalid when the peer roams
	AllowedIPs   []netip.Prefix
}

// PeerUpdate is one entry of a batched kernel peer update.
type PeerUpdate struct {
	Peer
	Remove bool
}

// Normalized returns a copy of p with AllowedIPs masked, deduplicated and sorted.
func (p Peer) Normalized() Peer {
	out := p
	out.AllowedIPs = make([]netip.Prefix, 0, len(p.AllowedIPs))
	for _, pref := range p.AllowedIPs {
		out.AllowedIPs = append(out.AllowedIPs, pref.Masked())
	}
	slices.SortFunc(out.AllowedIPs, ComparePrefix)
	out.AllowedIPs = slices.Compact(out.AllowedIPs)
	return out
}

// Equal reports whether p and o configure the kernel identically.
func (p Peer) Equal(o Peer) bool {
	if p.PublicKey != o.PublicKey || p.Endpoint != o.Endpoint {
		return false
	}
	if (p.PresharedKey == nil) != (o.PresharedKey == nil) {
		return false
	}
	if p.PresharedKey != nil && *p.PresharedKey != *o.PresharedKey {
		return false
	}
	a, b := p.Normalized().AllowedIPs, o.Normalized().AllowedIPs
	return slices.Equal(a, b)
}

// ComparePrefix orders IPv4 prefixes before IPv6 ones, then by address and length.
func ComparePrefix(a, b netip.Prefix) int {
	if a.Addr().Is4() != b.Addr().Is4() {
		if a.Addr().Is4() {
			return -1
		}
		return 1
	}
	return cmp.Or(a.Addr().Compare(b.Addr()), cmp.Compare(a.Bits(), b.Bits()))
}

func compareKeys(a, b wgtypes.Key) int { return bytes.Compare(a[:], b[:]) }

// PeerStage holds the peers of one interface as two disjoint sets: installed
// peers and peers whose removal has not reached the kernel yet.
type PeerStage struct {
	installed map[wgtypes.Key]Peer
	pending   map[wgtypes.Key]Peer
	dirty     bool
}

// NewPeerStage returns an empty stage.
func NewPeerStage() *PeerStage {
	return &PeerStage{
		installed: make(map[wgtypes.Key]Peer),
		pending:   make(map[wgtypes.Key]Peer),
	}
}

// Update stages p as installed, pulling it out of pending removal.
func (s *PeerStage) Update(p Peer) {
	p = p.Normalized()
	if cur, ok := s.installed[p.PublicKey]; ok && cur.Equal(p) {
		return
	}
	delete(s.pending, p.PublicKey)
	s.installed[p.PublicKey] = p
	s.dirty = true
}

// adopt records p as installed without scheduling a kernel update.
func (s *PeerStage) adopt(p Peer) {
	delete(s.pending, p.PublicKey)
	s.installed[p.PublicKey] = p.Normalized()
}

// Remove stages removal of an installed peer. It reports false, and changes
// nothing, for a peer that is not installed.
func (s *PeerStage) Remove(pub wgtypes.Key) bool {
	p, ok := s.installed[pub]
	if !ok {
		return false
	}
	delete(s.installed, pub)
	s.pending[pub] = p
	s.dirty = true
	return true
}

// Has reports whether pub is installed or pending removal.
func (s *PeerStage) Has(pub wgtypes.Key) bool {
	_, installed := s.installed[pub]
	_, pending := s.pending[pub]
	return installed || pending
}

// Dirty reports whether the stage differs from what was last committed.
func (s *PeerStage) Dirty() bool { return s.dirty }

// Installed returns the installed peers ordered by key.
func (s *PeerStage) Installed() []Peer {
	return sortedPeers(s.installed)
}

// PendingRemoval returns the keys awaiting removal ordered by key.
func (s *PeerStage) PendingRemoval() []wgtypes.Key {
	keys := make([]wgtypes.Key, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Updates serializes the stage: installed peers first, then removals.
func (s *PeerStage) Updates() []PeerUpdate {
	out := make([]PeerUpdate, 0, len(s.installed)+len(s.pending))
	for _, p := range s.Installed() {
		out = append(out, PeerUpdate{Peer: p})
	}
	for _, p := range sortedPeers(s.pending) {
		out = append(out, PeerUpdate{Peer: Peer{PublicKey: p.PublicKey}, Remove: true})
	}
	return out
}

// committed marks the stage as applied to the kernel.
func (s *PeerStage) committed() {
	clear(s.pending)
	s.dirty = false
}

func sortedPeers(m map[wgtypes.Key]Peer) []Peer {
	out := make([]Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return compareKeys(a.PublicKey, b.PublicKey) })
	return out
}
