package archive

import (
	"fmt"
	"os/exec"

	"github.com/dcroote/sra-tools/internal/errors"
)

// ExecArchiver drives an external packer tool. The tool is invoked as
//
//	tool --extract <archive> --directory <dir>
//	tool --create  <archive> --directory <dir> [--exclude <column>]... [--keep <column>]...
//
// and any non-zero exit fails the operation with the tool's output attached.
type ExecArchiver struct {
	Tool string
}

// NewExecArchiver returns an archiver backed by the named external tool.
func NewExecArchiver(tool string) *ExecArchiver {
	return &ExecArchiver{Tool: tool}
}

func (a *ExecArchiver) Extract(archivePath, destDir string) error {
	return a.run("--extract", archivePath, "--directory", destDir)
}

func (a *ExecArchiver) Create(archivePath, srcDir string, excludeColumns, keepColumns []string) error {
	args := []string{"--create", archivePath, "--directory", srcDir}
	for _, name := range excludeColumns {
		args = append(args, "--exclude", name)
	}
	for _, name := range keepColumns {
		args = append(args, "--keep", name)
	}
	return a.run(args...)
}

func (a *ExecArchiver) run(args ...string) error {
	out, err := exec.Command(a.Tool, args...).CombinedOutput()
	if err != nil {
		return errors.NewIOError(errors.CodeReadFailed,
			fmt.Sprintf("%s failed: %v", a.Tool, err), err).
			WithDetails(map[string]interface{}{"output": string(out), "args": args})
	}
	return nil
}
