package wal

import (
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Recover rebuilds registry state from a snapshot plus the events logged
// after it. Each event carries the whole job, so applying one is an upsert
// and replaying an event the snapshot already covers is harmless.
func Recover(base types.RegistrySnapshot, w *WAL) (types.RegistrySnapshot, int, error) {
	state := types.RegistrySnapshot{
		Jobs:      make(map[types.JobID]*types.Job, len(base.Jobs)),
		SchemaVer: base.SchemaVer,
		LastSeq:   base.LastSeq,
	}
	for id, job := range base.Jobs {
		if job != nil {
			state.Jobs[id] = job.Clone()
		}
	}

	applied := 0
	err := w.ReplayAfter(base.LastSeq, func(e Event) error {
		job, err := e.DecodeJob()
		if err != nil {
			return err
		}
		state.Jobs[job.ID] = job
		state.LastSeq = e.Seq
		applied++
		return nil
	})
	if err != nil {
		return base, 0, err
	}

	w.EnsureSeq(state.LastSeq)
	return state, applied, nil
}
