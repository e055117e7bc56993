package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain checks that none of this package's tests leak a goroutine —
// worth it here specifically because runOnce's errgroup spawns a
// pipe-reader and a process-waiter per worker spawn.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIsStayDownExitCodeRange(t *testing.T) {
	require.False(t, IsStayDownExitCode(0))
	require.False(t, IsStayDownExitCode(1))
	require.False(t, IsStayDownExitCode(49))
	require.True(t, IsStayDownExitCode(50))
	require.True(t, IsStayDownExitCode(52))
	require.True(t, IsStayDownExitCode(59))
	require.False(t, IsStayDownExitCode(60))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	require.Equal(t, 1*time.Second, backoffDelay(1))
	require.Equal(t, 2*time.Second, backoffDelay(2))
	require.Equal(t, 4*time.Second, backoffDelay(3))
	require.Equal(t, 8*time.Second, backoffDelay(4))
	require.Equal(t, maxRestartBackoff, backoffDelay(20))
}

func TestExitCodeFromSuccessfulExit(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.Equal(t, 0, exitCodeFrom(cmd, nil))
}

func TestExitCodeFromNonZeroExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 52")
	err := cmd.Run()
	require.Error(t, err)
	require.Equal(t, 52, exitCodeFrom(cmd, err))
}
