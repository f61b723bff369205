package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRequiresRepoFlag(t *testing.T) {
	_, err := Parse([]string{"-listen-on-tcp=127.0.0.1:8080", "-injector-ep=1.2.3.4:5"})
	require.Error(t, err)
}

func TestParseRequiresRepoDirectoryToExist(t *testing.T) {
	_, err := Parse([]string{"-repo=/does/not/exist", "-listen-on-tcp=127.0.0.1:8080", "-injector-ep=1.2.3.4:5"})
	require.Error(t, err)
}

func TestParseFromFlagsAlone(t *testing.T) {
	dir := t.TempDir()
	c, err := Parse([]string{
		"-repo=" + dir,
		"-listen-on-tcp=127.0.0.1:8080",
		"-injector-ep=1.2.3.4:5678",
		"-injector-ipns=abc",
		"-max-cached-age=3600s",
	})
	require.NoError(t, err)
	require.Equal(t, dir, c.RepoRoot)
	require.Equal(t, "127.0.0.1:8080", c.ListenOnTCP)
	require.Equal(t, "1.2.3.4:5678", c.InjectorEndpoint)
	require.Equal(t, "abc", c.InjectorIPNS)
	require.Equal(t, time.Hour, c.MaxCachedAge)
}

func TestParseOverlaysConfFileForUnsetFlags(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, ConfFileName)
	err := os.WriteFile(confPath, []byte(""+
		"listen-on-tcp: 10.0.0.1:9000\n"+
		"injector-ep: 10.0.0.2:9001\n"+
		"injector-ipns: fromfile\n"+
		"max-cached-age: 60\n"), 0644)
	require.NoError(t, err)

	c, err := Parse([]string{"-repo=" + dir})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9000", c.ListenOnTCP)
	require.Equal(t, "10.0.0.2:9001", c.InjectorEndpoint)
	require.Equal(t, "fromfile", c.InjectorIPNS)
	require.Equal(t, 60*time.Second, c.MaxCachedAge)
}

func TestParseFlagsWinOverConfFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, ConfFileName)
	err := os.WriteFile(confPath, []byte("listen-on-tcp: 10.0.0.1:9000\ninjector-ep: 10.0.0.2:9001\n"), 0644)
	require.NoError(t, err)

	c, err := Parse([]string{
		"-repo=" + dir,
		"-listen-on-tcp=127.0.0.1:1111",
		"-injector-ep=127.0.0.1:2222",
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1111", c.ListenOnTCP)
	require.Equal(t, "127.0.0.1:2222", c.InjectorEndpoint)
}

func TestParseRequiresListenAndInjectorEventually(t *testing.T) {
	dir := t.TempDir()
	_, err := Parse([]string{"-repo=" + dir})
	require.Error(t, err)
}
