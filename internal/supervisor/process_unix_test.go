//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gone reports whether pid no longer runs. Zombies count as gone.
func gone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	return strings.Contains(string(stat), ") Z ")
}

func TestStop_KillsForkedChildren(t *testing.T) {
	childDir := t.TempDir()
	cfg := helperConfig(t, "forking")
	cfg.Env = append(cfg.Env, "HELPER_CHILD_DIR="+childDir)
	s := New(cfg, nil)

	require.NoError(t, s.Start())
	var pid int
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(childDir, "child"))
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(string(raw))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, gone(pid))

	began := time.Now()
	s.Stop()
	assert.Less(t, time.Since(began), waitDelay)
	assert.Equal(t, Stopped, s.State())
	assert.Eventually(t, func() bool { return gone(pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestAbandon_KillsForkedChildren(t *testing.T) {
	childDir := t.TempDir()
	cfg := helperConfig(t, "forking")
	cfg.Env = append(cfg.Env, "HELPER_CHILD_DIR="+childDir)
	cfg.ReadyPattern = nil
	cfg.HealthPath = "/health"
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StartupTimeout = 2 * time.Second
	s := New(cfg, nil)

	err := s.Start()
	require.Error(t, err)
	raw, rerr := os.ReadFile(filepath.Join(childDir, "child"))
	require.NoError(t, rerr)
	pid, perr := strconv.Atoi(string(raw))
	require.NoError(t, perr)
	assert.Eventually(t, func() bool { return gone(pid) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Stopped, s.State())
}
