package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePidFileWritesCurrentPid(t *testing.T) {
	dir := t.TempDir()
	pf, err := AcquirePidFile(dir)
	require.NoError(t, err)
	defer pf.Release()

	data, err := os.ReadFile(filepath.Join(dir, PidFileName))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestAcquirePidFileRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	pf, err := AcquirePidFile(dir)
	require.NoError(t, err)
	defer pf.Release()

	_, err = AcquirePidFile(dir)
	require.Error(t, err)
}

func TestPidFileReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	pf, err := AcquirePidFile(dir)
	require.NoError(t, err)

	require.NoError(t, pf.Release())
	_, err = os.Stat(filepath.Join(dir, PidFileName))
	require.True(t, os.IsNotExist(err))
}

func TestPidFileReleaseOnNilIsNoop(t *testing.T) {
	var pf *PidFile
	require.NoError(t, pf.Release())
}
