package pid_test

import (
	"os"
	"strconv"
	"testing"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathPerAddress(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	a := pid.Path("TCPIP0::192.168.1.50::5555::SOCKET")
	b := pid.Path("ASRL/dev/ttyUSB0::INSTR")

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "loadctl-TCPIP0__192.168.1.50__5555__SOCKET.pid")
	assert.Contains(t, b, "loadctl-ASRL_dev_ttyUSB0__INSTR.pid")
	assert.Contains(t, pid.Path(""), "loadctl-auto.pid")
}

func TestWriteAndRemove(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	const addr = "SIM::INSTR"

	require.NoError(t, pid.Write(addr))

	data, err := os.ReadFile(pid.Path(addr))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	// the owning process may write again
	require.NoError(t, pid.Write(addr))

	require.NoError(t, pid.Remove(addr))
	assert.NoFileExists(t, pid.Path(addr))
	require.NoError(t, pid.Remove(addr))
}

func TestWriteRefusesRunningOwner(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	const addr = "SIM::INSTR"

	// the parent process is alive for the duration of the test
	require.NoError(t, os.WriteFile(pid.Path(addr), []byte(strconv.Itoa(os.Getppid())), 0o600))

	err := pid.Write(addr)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	const addr = "SIM::INSTR"

	require.NoError(t, os.WriteFile(pid.Path(addr), []byte("garbage"), 0o600))
	require.NoError(t, pid.Write(addr))

	data, err := os.ReadFile(pid.Path(addr))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}
