package process

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"streamgate/internal/core/domain"
)

// KillOrphan terminates the process group of a ledger record left behind by
// a previous run. It returns false when the PID no longer belongs to the
// recorded engine binary.
func KillOrphan(rec domain.ProcessRecord, grace time.Duration) (bool, error) {
	if !processAlive(rec.PID) {
		return false, nil
	}
	if !belongsTo(rec.PID, rec.Binary) {
		return false, nil
	}

	if err := signalGroup(rec.PID, syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("terminate pid %d: %w", rec.PID, err)
	}
	if waitGone(rec.PID, grace) {
		return true, nil
	}
	if err := signalGroup(rec.PID, syscall.SIGKILL); err != nil {
		return false, fmt.Errorf("kill pid %d: %w", rec.PID, err)
	}
	if !waitGone(rec.PID, grace) {
		return false, fmt.Errorf("%w: pid %d", ErrKillFailed, rec.PID)
	}
	return true, nil
}

// belongsTo checks /proc so a recycled PID is never signalled. Without
// procfs the check is skipped.
func belongsTo(pid int, binary string) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		if os.IsNotExist(err) {
			_, statErr := os.Stat("/proc/self")
			return statErr != nil
		}
		return false
	}
	if binary == "" {
		return false
	}
	argv0, _, _ := bytes.Cut(data, []byte{0})
	return filepath.Base(string(argv0)) == filepath.Base(binary)
}

// waitGone polls because orphans are not our children and cannot be waited on.
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) || isZombie(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func isZombie(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// state follows the parenthesised command name
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}
