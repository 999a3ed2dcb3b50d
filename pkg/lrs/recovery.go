package lrs

import (
	"fmt"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/types"
)

// RecoverLocks reconciles persisted ownership at startup. Lock rows whose
// hostname matches this daemon belong to a dead predecessor and are
// released together with orphaned rows pointing at no live resource.
// Locks held by other hosts are never touched.
func (s *Scheduler) RecoverLocks() error {
	// Liveness is judged against the whole store, not just this family:
	// a lock targeting another family's resource is not an orphan.
	devices, err := s.cfg.Store.ListDevices(dss.DeviceFilter{})
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	media, err := s.cfg.Store.ListMedia(dss.MediaFilter{})
	if err != nil {
		return fmt.Errorf("failed to list media: %w", err)
	}

	liveDevices := make(map[string]bool, len(devices))
	for _, d := range devices {
		liveDevices[d.ID] = true
	}
	liveMedia := make(map[string]bool, len(media))
	for _, m := range media {
		liveMedia[m.ID] = true
	}

	for _, typ := range []types.LockType{types.LockDevice, types.LockMedia, types.LockMediaUpdate} {
		locks, err := s.cfg.Store.ListLocks(typ)
		if err != nil {
			return fmt.Errorf("failed to list %s locks: %w", typ, err)
		}
		for _, lock := range locks {
			live := liveMedia[lock.ID]
			if typ == types.LockDevice {
				live = liveDevices[lock.ID]
			}

			switch {
			case lock.Hostname == s.cfg.Hostname:
				// our predecessor's lock, the owner pid is gone
				if err := s.cfg.Store.Unlock(typ, lock.ID, lock.Hostname, lock.Owner, false); err != nil {
					return fmt.Errorf("failed to release stale %s lock on %s: %w",
						typ, lock.ID, err)
				}
				s.lg.Info().Str("type", string(typ)).Str("id", lock.ID).
					Int("owner", lock.Owner).Msg("released stale lock")
			case !live:
				// orphaned lock: its target is not part of the local view
				if err := s.cfg.Store.Unlock(typ, lock.ID, lock.Hostname, lock.Owner, true); err != nil {
					return fmt.Errorf("failed to release orphaned %s lock on %s: %w",
						typ, lock.ID, err)
				}
				s.lg.Info().Str("type", string(typ)).Str("id", lock.ID).
					Str("hostname", lock.Hostname).Msg("released orphaned lock")
			default:
				// held by a live resource on another host: leave it alone
			}
		}
	}
	return nil
}
