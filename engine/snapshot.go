package engine

import (
	"time"

	"github.com/stratadb/strata/model"
)

// Snapshot is an immutable point-in-time read view. Taking one is O(1): it
// pins a commit horizon, not a copy of the data, and stays consistent no
// matter how many commits land afterwards.
type Snapshot struct {
	store   *Store
	horizon uint64
	clock   func() time.Time
}

// Snapshot captures the current committed state.
func (m *TxnManager) Snapshot() *Snapshot {
	return &Snapshot{
		store:   m.store,
		horizon: m.appliedTxn.Load(),
		clock:   m.clock,
	}
}

// Horizon returns the snapshot's commit cutoff.
func (s *Snapshot) Horizon() uint64 { return s.horizon }

// Get returns the value of ref as of the snapshot.
func (s *Snapshot) Get(ref model.EntityRef) ([]byte, model.Version, error) {
	if err := ref.Validate(); err != nil {
		return nil, model.Version{}, err
	}

	sv, err := s.store.VisibleAt(ref, s.horizon, s.clock())
	if err != nil {
		return nil, model.Version{}, err
	}
	return cloneBytes(sv.Value), sv.Version, nil
}
