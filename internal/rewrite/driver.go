package rewrite

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
	"github.com/dcroote/sra-tools/internal/lock"
	"github.com/dcroote/sra-tools/internal/meta"
	"github.com/dcroote/sra-tools/internal/schema"
	"github.com/dcroote/sra-tools/pkg/types"
)

// Options configures a rewrite driver.
type Options struct {
	// ScratchDir is the process-local path for temporary output objects.
	ScratchDir string

	// DropColumns are the column names removed from every visited object.
	DropColumns map[string]bool

	// ToolName and ToolVersion are stamped into the provenance node.
	ToolName    string
	ToolVersion string
}

// Result reports one object's completed rewrite.
type Result struct {
	Object    string
	OldSchema types.SchemaType
	NewSchema types.SchemaType
	Plan      ColumnPlan
	Stats     RowStats
}

// Driver orchestrates the rewrite of one object: classify, plan, copy,
// transform, stamp, publish. All mutation happens in a temporary location;
// the published object replaces the original atomically, and the temporary
// location is removed on every exit path.
type Driver struct {
	opts       Options
	registry   *schema.Registry
	derivation Derivation
	locker     lock.Locker
	log        *log.Logger
}

// NewDriver creates a rewrite driver.
func NewDriver(opts Options, reg *schema.Registry, d Derivation, locker lock.Locker, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Driver{opts: opts, registry: reg, derivation: d, locker: locker, log: logger}
}

// RewriteObject rewrites the table or database at dir in place. preserveDir,
// when non-empty, receives a verbatim physical copy of every dropped column.
func (d *Driver) RewriteObject(dir, preserveDir string) (*Result, error) {
	switch kdb.PathType(dir) {
	case kdb.TypeTable:
		return d.rewriteTable(dir, preserveDir)
	case kdb.TypeDatabase:
		return d.rewriteDatabaseMeta(dir)
	default:
		return nil, errors.NewIOError(errors.CodeReadFailed, "not a store object", nil).
			WithDetails(map[string]interface{}{"object": dir})
	}
}

// classify reads the object's schema type and resolves it against the
// registry. Deny-listed schemas fail here, before any data is touched.
func (d *Driver) classify(dir string, tree *meta.Tree) (types.SchemaType, schema.Resolution, error) {
	name, err := tree.ReadAttr(meta.SchemaNode, "name")
	if err != nil {
		return types.SchemaType{}, schema.Resolution{},
			errors.NewStateError(errors.CodeMissingMetadata, "object carries no schema type").
				WithDetails(map[string]interface{}{"object": dir})
	}
	st := types.ParseSchemaType(name)
	res, err := d.registry.Resolve(st.Name, st.Version)
	if err != nil {
		return types.SchemaType{}, schema.Resolution{}, err
	}
	if !res.Mapped {
		d.log.Printf("warning: no schema mapping for %s, leaving schema unchanged", name)
	}
	return st, res, nil
}

// stamp records the new schema type (when remapped) and the provenance node.
func (d *Driver) stamp(tree *meta.Tree, res schema.Resolution) types.SchemaType {
	var newType types.SchemaType
	if res.Mapped {
		newType = types.SchemaType{Name: res.NewName, Version: res.NewVersion.String()}
		tree.WriteAttr(meta.SchemaNode, "name", newType.String())
	}
	tree.WriteAttr(meta.ProvenanceNode, "date", time.Now().UTC().Format(time.RFC3339))
	tree.WriteAttr(meta.ProvenanceNode, "name", d.opts.ToolName)
	tree.WriteAttr(meta.ProvenanceNode, "vers", d.opts.ToolVersion)
	return newType
}

func (d *Driver) rewriteTable(dir, preserveDir string) (_ *Result, err error) {
	srcTree, err := meta.Open(dir)
	if err != nil {
		return nil, err
	}

	// Idempotence guard: an object already carrying the provenance node
	// must not be rewritten again.
	if srcTree.Has(meta.ProvenanceNode) {
		return nil, errors.NewStateError(errors.CodeAlreadyProcessed, "object already processed").
			WithDetails(map[string]interface{}{"object": dir})
	}

	// Classification runs before the lock is touched: a deny-listed or
	// unclassifiable object is refused with its lock state intact.
	oldType, res, err := d.classify(dir, srcTree)
	if err != nil {
		return nil, err
	}

	if err := d.locker.Unlock(dir); err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if lockErr := d.locker.Lock(dir); lockErr != nil {
			d.log.Printf("warning: failed to restore lock on %s: %v", dir, lockErr)
		}
	}()

	src, err := kdb.OpenTableRead(dir)
	if err != nil {
		return nil, err
	}

	plan, err := PlanColumns(src, d.opts.DropColumns, d.derivation)
	if err != nil {
		return nil, err
	}

	scratch := filepath.Join(d.opts.ScratchDir, fmt.Sprintf("delite_%s", uuid.New().String()[:8]))
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			// Leftover scratch is not data-correctness-critical.
			d.log.Printf("warning: failed to remove temp directory %s, remove it manually: %v", scratch, err)
		}
	}()

	tempOut := filepath.Join(scratch, "out")
	dst, err := kdb.CreateTable(tempOut)
	if err != nil {
		return nil, err
	}

	for _, name := range plan.Unchanged {
		if err := CopyColumn(dst, src, name); err != nil {
			return nil, err
		}
	}

	if preserveDir != "" && len(plan.Dropped) > 0 {
		preserved, err := kdb.CreateTable(preserveDir)
		if err != nil {
			return nil, err
		}
		for _, name := range plan.Dropped {
			if err := CopyColumn(preserved, src, name); err != nil {
				return nil, err
			}
		}
	}

	stats, err := RewriteRows(src, dst, plan.Derived, d.derivation)
	if err != nil {
		return nil, err
	}

	dstTree, err := meta.Open(tempOut)
	if err != nil {
		return nil, err
	}
	if err := meta.CopySubtree(dstTree, srcTree, "/"); err != nil {
		return nil, err
	}
	newType := d.stamp(dstTree, res)
	if err := dstTree.Save(); err != nil {
		return nil, err
	}

	if err := publish(dir, tempOut); err != nil {
		return nil, err
	}

	if err := d.locker.Lock(dir); err != nil {
		return nil, err
	}

	d.log.Printf("rewrote %s: %d unchanged, %d dropped, %d derived, %d rows",
		dir, len(plan.Unchanged), len(plan.Dropped), len(plan.Derived), stats.Rows)

	return &Result{
		Object:    dir,
		OldSchema: oldType,
		NewSchema: newType,
		Plan:      plan,
		Stats:     stats,
	}, nil
}

// rewriteDatabaseMeta handles a container object: no columns of its own to
// rewrite, but its schema type is remapped and it receives the provenance
// stamp. The metadata save is a single atomic replace.
func (d *Driver) rewriteDatabaseMeta(dir string) (_ *Result, err error) {
	tree, err := meta.Open(dir)
	if err != nil {
		return nil, err
	}
	if tree.Has(meta.ProvenanceNode) {
		return nil, errors.NewStateError(errors.CodeAlreadyProcessed, "object already processed").
			WithDetails(map[string]interface{}{"object": dir})
	}

	oldType, res, err := d.classify(dir, tree)
	if err != nil {
		return nil, err
	}

	if err := d.locker.Unlock(dir); err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if lockErr := d.locker.Lock(dir); lockErr != nil {
			d.log.Printf("warning: failed to restore lock on %s: %v", dir, lockErr)
		}
	}()

	newType := d.stamp(tree, res)
	if err := tree.Save(); err != nil {
		return nil, err
	}

	if err := d.locker.Lock(dir); err != nil {
		return nil, err
	}

	return &Result{Object: dir, OldSchema: oldType, NewSchema: newType}, nil
}

// publish atomically replaces the original object with the finished
// temporary output. The original is moved aside first so a failed swap can
// be rolled back; the aside copy is removed only after the swap succeeds.
func publish(finalDir, tempOut string) error {
	aside := finalDir + ".delite-old"
	if err := os.Rename(finalDir, aside); err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "move original aside", err).
			WithDetails(map[string]interface{}{"object": finalDir})
	}
	if err := os.Rename(tempOut, finalDir); err != nil {
		// Restore the original; the temp output is discarded by cleanup.
		if rbErr := os.Rename(aside, finalDir); rbErr != nil {
			return errors.NewIOError(errors.CodeCommitFailed,
				"publish failed and original could not be restored", rbErr).
				WithDetails(map[string]interface{}{"object": finalDir})
		}
		return errors.NewIOError(errors.CodeCommitFailed, "publish output", err).
			WithDetails(map[string]interface{}{"object": finalDir})
	}
	if err := os.RemoveAll(aside); err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "remove original after publish", err).
			WithDetails(map[string]interface{}{"object": finalDir})
	}
	return nil
}
