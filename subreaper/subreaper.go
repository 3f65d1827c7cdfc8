// Package subreaper marks the process as a Linux child subreaper and
// reaps orphaned descendants that escape direct ownership by a service
// manager. On non-Linux targets Enable and TrackChild are no-ops.
package subreaper

import "github.com/rs/zerolog"

// Guard is returned by TrackChild. Release removes the tracked pid from
// the reaper's registry; the owning Service Manager calls it once its
// child has been reaped so the reaper never mistakes a live tracked pid
// for an orphan and never double-reaps a pid after its owner already
// waited on it.
type Guard interface {
	Release()
}

type noopGuard struct{}

func (noopGuard) Release() {}

// Logger is used for the reap loop's debug/warn messages; tests and
// callers that don't care can pass zerolog.Nop().
var Logger zerolog.Logger = zerolog.Nop()
