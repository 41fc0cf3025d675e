package engine

import (
	"errors"
	"time"

	"github.com/stratadb/strata/codec"
	"github.com/stratadb/strata/model"
)

// EffectivePolicy returns the run's retention policy as of the horizon.
//
// Policies live as ordinary versioned entries in the system namespace, so
// they are committed, logged and recovered like any other write. A run with
// no stored policy (or a deleted one) retains everything.
func EffectivePolicy(store *Store, run model.RunID, c codec.Codec, horizon uint64, now time.Time) (model.RetentionPolicy, error) {
	sv, err := store.VisibleAt(model.RetentionRef(run), horizon, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.KeepAll(), nil
		}
		return model.RetentionPolicy{}, err
	}

	var policy model.RetentionPolicy
	if err := c.Unmarshal(sv.Value, &policy); err != nil {
		return model.RetentionPolicy{}, err
	}
	if policy.Default.Kind == 0 {
		policy.Default = model.RetentionRule{Kind: model.RetainAll}
	}
	return policy, nil
}
