// Package lock manages the write protection of store objects. Archived
// objects ship locked; the rewriter unlocks an object once it is accepted
// for rewrite and locks the published result.
package lock

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dcroote/sra-tools/internal/errors"
)

// Locker controls the write protection of one object directory.
type Locker interface {
	Lock(dir string) error
	Unlock(dir string) error
}

// Nop is a locker for stores without write protection.
type Nop struct{}

func (Nop) Lock(dir string) error   { return nil }
func (Nop) Unlock(dir string) error { return nil }

// sentinel is the lock marker file inside an object directory.
const sentinel = "lock"

// FileLocker marks locked objects with a sentinel file.
type FileLocker struct{}

// Lock creates the sentinel. Locking a locked object is a no-op.
func (FileLocker) Lock(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, sentinel), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0444)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.NewIOError(errors.CodeWriteFailed, "create lock sentinel", err).
			WithDetails(map[string]interface{}{"object": dir})
	}
	return f.Close()
}

// Unlock removes the sentinel. Unlocking an unlocked object is a no-op.
func (FileLocker) Unlock(dir string) error {
	if err := os.Remove(filepath.Join(dir, sentinel)); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError(errors.CodeWriteFailed, "remove lock sentinel", err).
			WithDetails(map[string]interface{}{"object": dir})
	}
	return nil
}

// IsLocked reports whether the sentinel is present.
func IsLocked(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, sentinel))
	return err == nil
}

// ExecLocker shells out to external lock/unlock tools that take the object
// path as their only argument.
type ExecLocker struct {
	LockTool   string
	UnlockTool string
}

func (e ExecLocker) Lock(dir string) error {
	return runTool(e.LockTool, dir)
}

func (e ExecLocker) Unlock(dir string) error {
	return runTool(e.UnlockTool, dir)
}

func runTool(tool, dir string) error {
	out, err := exec.Command(tool, dir).CombinedOutput()
	if err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, string(out), err).
			WithDetails(map[string]interface{}{"object": dir, "tool": tool})
	}
	return nil
}
