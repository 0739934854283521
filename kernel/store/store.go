package store

import (
	"time"

	"github.com/tidwall/buntdb"

	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/nlog"
)

// Store is the KernelStore: all durable kernel state, layered over a
// buntdb database.
type Store struct {
	db        *buntdb.DB
	cfg       *kconfig.Config
	prefilter Prefilter
}

// Open opens (or creates) the backing buntdb database at cfg.StorePath.
func Open(cfg *kconfig.Config) (*Store, error) {
	db, err := buntdb.Open(cfg.StorePath)
	if err != nil {
		return nil, kerr.StoreCorruption("open store %q: %v", cfg.StorePath, err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Begin starts a new crank-scoped transaction. The caller (KernelQueue) owns
// calling Commit/Abort exactly once.
func (s *Store) Begin() (*Tx, error) {
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, kerr.StoreCorruption("begin tx: %v", err)
	}
	return &Tx{store: s, btx: btx}, nil
}

// Commit finalizes tx, persisting every mutation made during the crank.
func (s *Store) Commit(tx *Tx) error {
	if err := tx.commit(); err != nil {
		return kerr.StoreCorruption("commit tx: %v", err)
	}
	return nil
}

// Abort fully discards tx. Used by the crank drop-guard on an unrecovered
// panic, never on the normal success path.
func (s *Store) Abort(tx *Tx) error {
	return tx.abort()
}

// Setup runs fn in its own short-lived transaction, outside any crank, for
// idempotent top-level initialization.
func (s *Store) Setup(fn func(tx *Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.abort()
		return err
	}
	return s.Commit(tx)
}

// DetectWake compares the persisted lastActiveTime to now; returns true iff
// the gap exceeds cfg.WakeThreshold. A zero lastActiveTime
// (never recorded) is treated as "no prior incarnation", not a wake.
func (s *Store) DetectWake(now time.Time) (woke bool, err error) {
	err = s.Setup(func(tx *Tx) error {
		v, ok := tx.Get(keyLastActiveTime)
		if !ok {
			woke = false
			return nil
		}
		ms, perr := parseInt64(v)
		if perr != nil {
			return kerr.StoreCorruption("lastActiveTime: %v", perr)
		}
		last := time.UnixMilli(ms)
		woke = now.Sub(last) > s.cfg.WakeThreshold
		return nil
	})
	if woke {
		nlog.Infoln("kernel wake detected: gap exceeds", s.cfg.WakeThreshold)
	}
	return woke, err
}

// RecordLastActiveTime persists now as lastActiveTime. Called on graceful
// shutdown.
func (s *Store) RecordLastActiveTime(now time.Time) error {
	return s.Setup(func(tx *Tx) error {
		return tx.Set(keyLastActiveTime, formatInt64(now.UnixMilli()))
	})
}
