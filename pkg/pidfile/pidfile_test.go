package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// far above any pid_max
const deadPID = 2147483646

func TestCreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "fieldtrackd.pid")
	p := New(path)

	require.NoError(t, p.Create())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running, "our own pid is not another instance")
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	assert.NoFileExists(t, path)
	require.NoError(t, p.Remove())
}

func TestStaleFileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldtrackd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644))

	p := New(path)
	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, deadPID, pid)

	require.NoError(t, p.Create())
	got, err := p.read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestGarbageFileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldtrackd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))
	require.NoError(t, New(path).Create())
}

func TestLiveOwnerBlocksCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldtrackd.pid")
	// the parent of the test binary is alive for the duration of the test
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))

	p := New(path)
	err := p.Create()
	assert.ErrorIs(t, err, ErrRunning)

	assert.Error(t, p.Remove(), "file belongs to someone else")
	require.NoError(t, p.ForceRemove())
	assert.NoFileExists(t, path)
}
