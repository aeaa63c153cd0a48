// Package pid keeps one loadctl process per instrument.
package pid

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/loadctl/internal/errors"
)

const (
	pidPrefix = "loadctl-"
	pidSuffix = ".pid"
)

// Path returns the PID file guarding the instrument at address. An empty
// address stands for the auto-discovered instrument.
func Path(address string) string {
	key := "auto"
	if address != "" {
		key = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
				return r
			default:
				return '_'
			}
		}, address)
	}

	return filepath.Join(os.TempDir(), pidPrefix+key+pidSuffix)
}

// Write writes the current process ID to the instrument's PID file. A file
// left behind by a process that is no longer running is replaced.
func Write(address string) error {
	errFactory := errors.New()
	path := Path(address)

	if _, err := os.Stat(path); err == nil {
		// PID file exists, check if the process is running
		bytes, err := os.ReadFile(path)
		if err != nil {
			return errFactory.Wrap(errors.ErrInternal, err)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && pid != os.Getpid() && running(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, fmt.Sprintf("pid %d (%s)", pid, path))
		}
	}

	err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the instrument's PID file
func Remove(address string) error {
	path := Path(address)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func running(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
