package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// PidFileName is the file injector.cpp/client.cpp both acquire at startup
// and remove on clean exit, guarding against a second instance sharing the
// same repo root.
const PidFileName = "pid"

// PidFile is an acquired PID file, held for the life of the process the
// same way util::PidFile's RAII guard does in the original.
type PidFile struct {
	path string
}

// AcquirePidFile creates repoRoot/pid containing the current process id. It
// fails if the file already exists, the same "another process may be
// running" guard injector.cpp's main performs before constructing its own
// util::PidFile.
func AcquirePidFile(repoRoot string) (*PidFile, error) {
	path := filepath.Join(repoRoot, PidFileName)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Errorf(
			"config: existing PID file %s; another process may be running, "+
				"otherwise please remove the file", path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config: checking for existing PID file %s", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "config: creating PID file %s", path)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "config: writing PID file %s", path)
	}

	return &PidFile{path: path}, nil
}

// Release removes the PID file. Safe to call once the acquiring process is
// about to exit cleanly; it is the caller's responsibility to call this
// exactly once, at the end of the reverse-acquisition-order shutdown
// sequence (spec.md §9 "Global state").
func (p *PidFile) Release() error {
	if p == nil {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "config: removing PID file %s", p.path)
	}
	return nil
}
