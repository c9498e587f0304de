// Package rewrite implements the table-transform engine: per-column
// pass-through or row-by-row recomputation of a columnar object, with
// transactional temp-then-publish semantics and provenance stamping.
package rewrite

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
)

// ColumnPlan partitions a table's physical columns by rewrite action.
type ColumnPlan struct {
	// Unchanged columns are copied physically, byte for byte.
	Unchanged []string

	// Dropped columns are omitted from the output (optionally preserved
	// in a side output).
	Dropped []string

	// Derived columns are recomputed row by row.
	Derived []string
}

// derivedWhenPresent lists the columns that are always recomputed when they
// are physically present, because their content depends on dropped data.
var derivedWhenPresent = []string{"RD_FILTER", "READ_FILTER"}

// PlanColumns enumerates the physically present columns of a table and
// assigns each to exactly one action. A column in dropNames is dropped; a
// filter column is derived when the derivation's inputs are all present;
// everything else is unchanged.
func PlanColumns(tbl *kdb.Table, dropNames map[string]bool, d Derivation) (ColumnPlan, error) {
	names, err := tbl.ColumnNames()
	if err != nil {
		return ColumnPlan{}, err
	}

	canDerive := true
	for _, in := range d.InputColumns {
		if !tbl.HasColumn(in) {
			canDerive = false
			break
		}
	}

	derived := make(map[string]bool)
	if canDerive {
		for _, name := range derivedWhenPresent {
			if tbl.HasColumn(name) {
				derived[name] = true
			}
		}
	}

	var plan ColumnPlan
	for _, name := range names {
		switch {
		case dropNames[name]:
			plan.Dropped = append(plan.Dropped, name)
		case derived[name]:
			plan.Derived = append(plan.Derived, name)
		default:
			plan.Unchanged = append(plan.Unchanged, name)
		}
	}
	return plan, nil
}

// ObjectRef identifies one table-like object inside an extracted archive,
// by its path relative to the archive root ("." for the root object).
type ObjectRef struct {
	Rel string
}

// Path resolves the object's absolute directory under root.
func (o ObjectRef) Path(root string) string {
	return filepath.Join(root, o.Rel)
}

// enclosingTable resolves the table object that owns a physical column
// directory (<table>/col/<NAME> -> <table>).
func enclosingTable(columnDir string) string {
	return filepath.Dir(filepath.Dir(columnDir))
}

// enclosingContainer resolves the container object a table is nested in
// (<db>/tbl/<NAME> -> <db>). A table that is not nested resolves to itself.
func enclosingContainer(tableDir string) string {
	parent := filepath.Dir(tableDir)
	if filepath.Base(parent) == kdb.TableDirName {
		return filepath.Dir(parent)
	}
	return tableDir
}

// DiscoverObjects locates every object in the extracted archive tree that a
// rewrite pass must visit: every table physically containing a drop-listed
// column, the container each such table is nested in, and every child of any
// discovered container (siblings sharing a schema are treated uniformly).
// The root object is always included. The result is de-duplicated and
// sorted.
func DiscoverObjects(root string, dropNames map[string]bool) ([]ObjectRef, error) {
	seen := map[string]bool{".": true}

	add := func(abs string) error {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return errors.NewInternalError("resolve object path", err)
		}
		seen[rel] = true
		return nil
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != kdb.ColumnDirName {
			return nil
		}
		if !dropNames[filepath.Base(path)] {
			return nil
		}
		tableDir := enclosingTable(path)
		if err := add(tableDir); err != nil {
			return err
		}
		return add(enclosingContainer(tableDir))
	})
	if err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "walk archive tree", err).
			WithDetails(map[string]interface{}{"object": root})
	}

	// Any discovered container contributes all of its children.
	for rel := range copyKeys(seen) {
		dir := filepath.Join(root, rel)
		if kdb.PathType(dir) != kdb.TypeDatabase {
			continue
		}
		db, err := kdb.OpenDatabaseRead(dir)
		if err != nil {
			return nil, err
		}
		children, err := db.TableNames()
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if err := add(db.TableDir(child)); err != nil {
				return nil, err
			}
		}
	}

	refs := make([]ObjectRef, 0, len(seen))
	for rel := range seen {
		refs = append(refs, ObjectRef{Rel: rel})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Rel < refs[j].Rel })
	return refs, nil
}

func copyKeys(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k := range m {
		cp[k] = true
	}
	return cp
}
