package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalico-flash/internal/logger"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner(logger.Nop())

	testCases := []struct {
		name       string
		cmd        Command
		expectCode int
		expectOut  string
	}{
		{
			name:      "captures stdout and stderr",
			cmd:       Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2"}},
			expectOut: "out\nerr\n",
		},
		{
			name:       "non-zero exit is not an error",
			cmd:        Command{Name: "sh", Args: []string{"-c", "echo boom; exit 3"}},
			expectCode: 3,
			expectOut:  "boom\n",
		},
		{
			name:      "extra env is visible",
			cmd:       Command{Name: "sh", Args: []string{"-c", "echo $KFLASH_TEST"}, Env: []string{"KFLASH_TEST=yes"}},
			expectOut: "yes\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tc.cmd)
			require.NoError(t, err)
			assert.Equal(t, tc.expectCode, res.ExitCode)
			assert.Equal(t, tc.expectOut, res.Output)
			assert.Equal(t, tc.expectCode == 0, res.OK())
		})
	}
}

func TestExecRunner_WorkingDirAndStream(t *testing.T) {
	r := NewExecRunner(logger.Nop())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))

	var stream bytes.Buffer
	res, err := r.Run(context.Background(), Command{Name: "ls", Dir: dir, Stream: &stream})
	require.NoError(t, err)
	assert.Equal(t, "marker\n", res.Output)
	assert.Equal(t, "marker\n", stream.String())
}

func TestExecRunner_TimeoutKillsTree(t *testing.T) {
	r := NewExecRunner(logger.Nop())
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	res, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30 & echo $! > " + pidFile + "; wait"},
		Timeout: 300 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.TimedOut)
	assert.False(t, res.OK())
	assert.Less(t, time.Since(start), 10*time.Second)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(raw))
	assert.Eventually(t, func() bool {
		_, statErr := os.Stat("/proc/" + pid)
		if statErr != nil {
			return true
		}
		state, _ := os.ReadFile("/proc/" + pid + "/stat")
		return strings.Contains(string(state), ") Z ")
	}, 5*time.Second, 50*time.Millisecond, "background child must be killed")
}

func TestExecRunner_ContextCancel(t *testing.T) {
	r := NewExecRunner(logger.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"30"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecRunner_StartFailure(t *testing.T) {
	r := NewExecRunner(logger.Nop())
	res, err := r.Run(context.Background(), Command{Name: "/nonexistent/kflash-tool"})
	assert.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "make -j4", Command{Name: "make", Args: []string{"-j4"}}.String())
	assert.Equal(t, "make", Command{Name: "make"}.String())
}
