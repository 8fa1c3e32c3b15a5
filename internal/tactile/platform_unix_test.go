//go:build !windows

package tactile

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A timeout must take down the whole process group, including children the
// tool forked.
func TestDirectExecutor_TimeoutKillsProcessGroup(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "sleep 30 & echo $!; wait"},
		Timeout:   300 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, result.TimedOut)

	pid, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 3*time.Second, 20*time.Millisecond, "child %d survived the timeout", pid)
}

// processGone treats an unreaped zombie as gone; reaping orphans is init's job.
func processGone(pid int) bool {
	if syscall.Kill(pid, 0) == syscall.ESRCH {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}
