package reconcile

import (
	"net/netip"
	"slices"
)

// Delta is the difference between the addresses an interface has and the
// ones it should have.
type Delta struct {
	ToAdd    []netip.Prefix
	ToRemove []netip.Prefix
}

// Empty reports whether there is nothing to apply.
func (d Delta) Empty() bool { return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 }

// ComputeDelta returns desired - existing as ToAdd and existing - desired as
// ToRemove. Applying it to existing yields desired, so a second computation
// after a full application is empty.
func ComputeDelta(existing, desired []netip.Prefix) Delta {
	have := make(map[netip.Prefix]struct{}, len(existing))
	for _, p := range existing {
		have[p] = struct{}{}
	}
	want := make(map[netip.Prefix]struct{}, len(desired))
	for _, p := range desired {
		want[p] = struct{}{}
	}

	var d Delta
	for p := range want {
		if _, ok := have[p]; !ok {
			d.ToAdd = append(d.ToAdd, p)
		}
	}
	for p := range have {
		if _, ok := want[p]; !ok {
			d.ToRemove = append(d.ToRemove, p)
		}
	}
	slices.SortFunc(d.ToAdd, ComparePrefix)
	slices.SortFunc(d.ToRemove, ComparePrefix)
	return d
}
