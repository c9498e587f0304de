// Package verify checks a finished rewrite against the original object
// tree. Structural validation and content diffing are delegated to external
// tools when configured; built-in equivalents are used otherwise. The differ
// is told which columns are expected to legitimately differ.
package verify

import (
	"log"
	"os/exec"
	"strings"

	"github.com/dcroote/sra-tools/internal/errors"
)

// Options configures a verification runner.
type Options struct {
	// Skip disables verification entirely.
	Skip bool

	// ValidateTool is an external structural validator invoked as
	// `tool <path>`. Empty selects the built-in structural check.
	ValidateTool string

	// DiffTool is an external content differ invoked as
	// `tool <original> <output> -x <col,col,...>`. Empty selects the
	// built-in tree differ.
	DiffTool string
}

// Runner verifies rewritten objects.
type Runner struct {
	opts Options
	log  *log.Logger
}

// NewRunner creates a verification runner.
func NewRunner(opts Options, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{opts: opts, log: logger}
}

// Verify validates the output object and diffs it against the original,
// excluding the columns expected to differ. Any failure is fatal; by this
// point the output is already published, so verification errors surface
// under their own category.
func (r *Runner) Verify(originalPath, outputPath string, expectDiff []string) error {
	if r.opts.Skip {
		r.log.Printf("verification skipped for %s", outputPath)
		return nil
	}

	if r.opts.ValidateTool != "" {
		if err := runExternal(r.opts.ValidateTool, outputPath); err != nil {
			return errors.NewVerifyError(errors.CodeValidateFailed, "external validator failed", err).
				WithDetails(map[string]interface{}{"object": outputPath})
		}
	} else if err := ValidateTree(outputPath); err != nil {
		return err
	}

	if r.opts.DiffTool != "" {
		args := []string{originalPath, outputPath}
		if len(expectDiff) > 0 {
			args = append(args, "-x", strings.Join(expectDiff, ","))
		}
		if err := runExternal(r.opts.DiffTool, args...); err != nil {
			return errors.NewVerifyError(errors.CodeDiffFailed, "external differ failed", err).
				WithDetails(map[string]interface{}{"original": originalPath, "output": outputPath})
		}
		return nil
	}
	return DiffTrees(originalPath, outputPath, expectDiff)
}

func runExternal(tool string, args ...string) error {
	out, err := exec.Command(tool, args...).CombinedOutput()
	if err != nil {
		return errors.Wrap(errors.CategoryVerify, errors.CodeValidateFailed,
			strings.TrimSpace(string(out)), err)
	}
	return nil
}
