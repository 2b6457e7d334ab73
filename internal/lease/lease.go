// Package lease grants one process at a time the right to run scheduled
// reconciliation.
//
// The lease is a record in the store's metadata region naming the holder's
// process ID. A process that finds a live holder refuses to start; a record
// left behind by a dead process is reclaimed.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wiremesh"
	"wiremesh/internal/adapter/sqlite"

	"github.com/google/uuid"
)

const regionMetadata sqlite.Region = "metadata"

var leaseKey = []byte("lease")

// ProcessTable reports OS process liveness.
// Production: OSProcessTable
// Testing: fake.ProcessTable
type ProcessTable interface {
	Alive(pid int) (bool, error)
}

// Record is the persisted lease.
type Record struct {
	HolderID   int       `json:"holder_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a held lease. Token identifies this incarnation, so a process
// never releases a lease that was reclaimed from it.
type Lease struct {
	db     *sqlite.Store
	record Record
}

// Record returns the persisted record of the held lease.
func (l *Lease) Record() Record { return l.record }

// Acquire takes the lease for pid. It fails with wiremesh.ErrLeaseConflict
// while another live process holds it.
func Acquire(ctx context.Context, db *sqlite.Store, procs ProcessTable, pid int, clock wiremesh.Clock, log *slog.Logger) (*Lease, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "lease")
	rec := Record{HolderID: pid, Token: uuid.NewString(), AcquiredAt: clock.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}

	err = db.Update(ctx, func(tx *sqlite.Tx) error {
		prev, ok, err := read(tx)
		if err != nil {
			return err
		}
		if ok && prev.HolderID != pid {
			alive, err := procs.Alive(prev.HolderID)
			if err != nil {
				return fmt.Errorf("check lease holder %d: %w", prev.HolderID, err)
			}
			if alive {
				return fmt.Errorf("pid %d since %s: %w", prev.HolderID, prev.AcquiredAt.Format(time.RFC3339), wiremesh.ErrLeaseConflict)
			}
			log.Info("reclaiming lease from dead process", "pid", prev.HolderID, "acquired_at", prev.AcquiredAt)
		}
		return tx.Put(regionMetadata, leaseKey, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return &Lease{db: db, record: rec}, nil
}

// Release drops the lease if this incarnation still holds it.
func (l *Lease) Release(ctx context.Context) error {
	err := l.db.Update(ctx, func(tx *sqlite.Tx) error {
		cur, ok, err := read(tx)
		if err != nil || !ok {
			return err
		}
		if cur.Token != l.record.Token {
			return nil
		}
		return tx.Delete(regionMetadata, leaseKey)
	})
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder returns the current lease record, if any.
func Holder(ctx context.Context, db *sqlite.Store) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		rec, ok, err = read(tx)
		return err
	})
	return rec, ok, err
}

func read(tx *sqlite.Tx) (Record, bool, error) {
	raw, err := tx.Get(regionMetadata, leaseKey)
	if errors.Is(err, wiremesh.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode lease: %w", err)
	}
	return rec, true, nil
}
