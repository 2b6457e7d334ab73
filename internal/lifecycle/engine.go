// Package lifecycle decides, from kernel observations, when a client is
// renewed or purged.
//
// A client starts out never handshaken with a short deadline. Every handshake
// newer than the stored one extends the deadline; a client whose deadline
// passes without progress is purged. Peers the store does not know are handed
// back to the reconciler for removal.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"wiremesh"
	"wiremesh/internal/identity"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Engine applies snapshots to the identity store.
type Engine struct {
	store *identity.Store
	log   *slog.Logger
}

// New creates an Engine.
func New(store *identity.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log.With("component", "lifecycle")}
}

// Poll observes iface and processes the result.
func (e *Engine) Poll(ctx context.Context, obs Observer, iface string) ([]wiremesh.Action, error) {
	snap, err := Observe(ctx, obs, iface)
	if err != nil {
		return nil, err
	}
	return e.Process(ctx, snap)
}

// Process evaluates one snapshot in a single write transaction and returns
// the side effects to run once it has committed. On error nothing was
// written and no actions are returned.
func (e *Engine) Process(ctx context.Context, snap Snapshot) ([]wiremesh.Action, error) {
	var actions []wiremesh.Action
	err := e.store.Update(ctx, func(tx *identity.Tx) error {
		actions = actions[:0]
		now := tx.Now()

		for _, pub := range sortedKeys(snap.Handshakes) {
			a, err := e.handshake(tx, now, pub, snap.Handshakes[pub], snap.Endpoints[pub])
			if err != nil {
				return err
			}
			actions = append(actions, a...)
		}

		for _, pub := range sortedKeys(snap.All) {
			if _, ok := snap.Handshakes[pub]; ok {
				continue
			}
			a, err := e.silent(tx, now, pub)
			if err != nil {
				return err
			}
			actions = append(actions, a...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("process handshakes: %w", err)
	}
	return actions, nil
}

func (e *Engine) handshake(tx *identity.Tx, now time.Time, pub wgtypes.Key, at time.Time, endpoint netip.AddrPort) ([]wiremesh.Action, error) {
	deadline, ok, err := tx.Deadline(pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.unknown(tx, pub)
	}

	last, seen, err := tx.LastHandshake(pub)
	if err != nil {
		return nil, err
	}
	if !seen || at.After(last) {
		if err := tx.RecordHandshake(pub, at, endpoint, !seen); err != nil {
			return nil, fmt.Errorf("record handshake of %s: %w", pub, err)
		}
		if !seen {
			e.log.Info("first handshake", "pub", pub.String(), "endpoint", endpoint.String())
		}
		if endpoint.IsValid() {
			return []wiremesh.Action{wiremesh.ResolveEndpoint(pub, endpoint.Addr())}, nil
		}
		return nil, nil
	}

	if !now.Before(deadline) {
		return e.purge(tx, pub, deadline)
	}
	return nil, nil
}

func (e *Engine) silent(tx *identity.Tx, now time.Time, pub wgtypes.Key) ([]wiremesh.Action, error) {
	deadline, ok, err := tx.Deadline(pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.unknown(tx, pub)
	}
	if !now.Before(deadline) {
		return e.purge(tx, pub, deadline)
	}
	return nil, nil
}

// unknown handles a kernel peer without a deadline record. The server's own
// identity is the only known key without one.
func (e *Engine) unknown(tx *identity.Tx, pub wgtypes.Key) ([]wiremesh.Action, error) {
	server, err := tx.IsServer(pub)
	if err != nil {
		return nil, err
	}
	if server {
		return nil, nil
	}
	e.log.Debug("stale kernel peer", "pub", pub.String())
	return []wiremesh.Action{wiremesh.RemoveClient(pub)}, nil
}

func (e *Engine) purge(tx *identity.Tx, pub wgtypes.Key, deadline time.Time) ([]wiremesh.Action, error) {
	c, err := tx.Purge(pub)
	if err != nil {
		return nil, fmt.Errorf("purge %s: %w", pub, err)
	}
	e.log.Info("client expired", "pub", pub.String(), "name", c.Name, "subnet", c.Subnet, "deadline", deadline)
	return []wiremesh.Action{wiremesh.RemoveClient(pub)}, nil
}
