//go:build linux

package process

import (
	"os/exec"
	"testing"
	"time"

	"streamgate/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillOrphan(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	setProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waited)
	}()

	rec := domain.ProcessRecord{PID: cmd.Process.Pid, Binary: "/usr/bin/sleep"}

	// a recycled PID running something else is left alone
	killed, err := KillOrphan(domain.ProcessRecord{PID: rec.PID, Binary: "ffmpeg"}, time.Second)
	require.NoError(t, err)
	assert.False(t, killed)

	killed, err = KillOrphan(rec, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, killed)

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan still running")
	}
}

func TestKillOrphan_AlreadyGone(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	killed, err := KillOrphan(domain.ProcessRecord{PID: cmd.Process.Pid, Binary: "true"}, time.Second)
	require.NoError(t, err)
	assert.False(t, killed)
}
