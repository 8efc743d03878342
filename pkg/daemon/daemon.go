// Package daemon implements the Daemon Supervisor (spec §4.C12): PID file
// lifecycle and, on supporting platforms, detaching the process from its
// controlling terminal. Everything here runs before a corectx.Context or
// Lifecycle Controller exists — it is process supervision, not a mesh
// component.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by PIDFile.Acquire when the existing PID
// file names a process that is still alive.
var ErrAlreadyRunning = errors.New("daemon: pid file references a live process")

// PIDFile manages the ASCII PID file under a node's data directory
// (spec §6: "<data_dir>/<daemon>.pid — ASCII PID; removed on clean
// shutdown").
type PIDFile struct {
	path string
}

// NewPIDFile returns the PIDFile for name (typically "meshnoded") under
// dataDir. It does not touch the filesystem.
func NewPIDFile(dataDir, name string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataDir, name+".pid")}
}

// Path returns the file's location.
func (p *PIDFile) Path() string { return p.path }

// Acquire refuses to start if path names a live process (ErrAlreadyRunning),
// silently removes the file if the named process is gone, then writes the
// current process's PID.
func (p *PIDFile) Acquire() error {
	existing, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		pid, perr := strconv.Atoi(strings.TrimSpace(string(existing)))
		if perr == nil && processAlive(pid) {
			return ErrAlreadyRunning
		}
		// Stale file: referenced process is gone or unparseable, reclaim it.
	case os.IsNotExist(err):
		// no existing file, proceed
	default:
		return fmt.Errorf("daemon: reading pid file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("daemon: creating data directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("daemon: writing pid file: %w", err)
	}
	return nil
}

// Release removes the PID file. cmd/meshnoded defers it right after
// Acquire, so it runs once the node's run returns; a missing file is not an
// error.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: removing pid file: %w", err)
	}
	return nil
}

// Options controls how Detach behaves.
type Options struct {
	// LogFile receives the detached child's stdout and stderr. Ignored in
	// foreground mode.
	LogFile string
}

// Detach arranges for the process to run disconnected from its controlling
// terminal, per spec §4.C12. On platforms Supported returns true it forks a
// detached child (via re-exec, since the Go runtime has no raw fork) and
// returns detached=true in the parent, which the caller should exit
// immediately on. In the child, and on any platform where detaching isn't
// supported, it returns detached=false and the caller continues running in
// the foreground.
func Detach(opts Options) (detached bool, err error) {
	if !Supported() {
		return false, nil
	}
	return detach(opts)
}

// childEnvVar marks a process as the already-detached child so Detach
// doesn't try to fork again when the re-exec'd binary starts up.
const childEnvVar = "MESHNODED_DAEMON_CHILD"

func isChild() bool {
	return os.Getenv(childEnvVar) == "1"
}
