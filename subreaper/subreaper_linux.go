//go:build linux

package subreaper

import (
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	mu      sync.Mutex
	tracked = map[int]struct{}{}
	started bool
)

// Enable marks this process as a child subreaper and starts the
// SIGCHLD-driven reap loop.
func Enable() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return os.NewSyscallError("prctl(PR_SET_CHILD_SUBREAPER)", err)
	}

	mu.Lock()
	alreadyStarted := started
	started = true
	mu.Unlock()

	if alreadyStarted {
		return nil
	}

	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, syscall.SIGCHLD)

	go func() {
		for range sigchld {
			reapOrphans()
		}
	}()

	return nil
}

// TrackChild registers pid as a direct child owned by a service manager,
// so the reap loop skips it.
func TrackChild(pid int) Guard {
	mu.Lock()
	tracked[pid] = struct{}{}
	mu.Unlock()
	return &childGuard{pid: pid}
}

type childGuard struct {
	pid      int
	released bool
	mu       sync.Mutex
}

func (g *childGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true

	mu.Lock()
	delete(tracked, g.pid)
	mu.Unlock()
}

func isTracked(pid int) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := tracked[pid]
	return ok
}

// reapOrphans enumerates this process's direct children via procfs and
// reaps any that are not tracked, i.e. orphaned grandchildren handed to
// us by the kernel subreaper mechanism.
func reapOrphans() {
	children, err := childrenFromProc()
	if err != nil {
		Logger.Warn().Err(err).Msg("failed to enumerate child processes")
		return
	}

	for _, pid := range children {
		if isTracked(pid) {
			continue
		}
		reapOne(pid)
	}
}

func reapOne(pid int) {
	for {
		var ws unix.WaitStatus
		got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return
		case err != nil:
			Logger.Warn().Err(err).Int("pid", pid).Msg("failed to reap child process")
			return
		case got == 0:
			// still alive
			return
		case ws.Exited():
			Logger.Debug().Int("pid", pid).Int("status", ws.ExitStatus()).Msg("reaped orphaned child")
			return
		case ws.Signaled():
			Logger.Debug().Int("pid", pid).Stringer("signal", ws.Signal()).Msg("reaped orphaned child via signal")
			return
		default:
			continue
		}
	}
}

func childrenFromProc() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, err
	}

	seen := map[int]struct{}{}
	for _, entry := range entries {
		raw, err := os.ReadFile("/proc/self/task/" + entry.Name() + "/children")
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(raw)) {
			pid, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			seen[pid] = struct{}{}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	return pids, nil
}
