package verify

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
)

// ValidateTree structurally validates an object tree: every table must open,
// every column must decode, and all columns of one table must agree on the
// row id range.
func ValidateTree(root string) error {
	tables, err := tableDirs(root)
	if err != nil {
		return err
	}
	for _, dir := range tables {
		if err := validateTable(dir); err != nil {
			return err
		}
	}
	return nil
}

func validateTable(dir string) error {
	tbl, err := kdb.OpenTableRead(dir)
	if err != nil {
		return errors.NewVerifyError(errors.CodeValidateFailed, "open table", err).
			WithDetails(map[string]interface{}{"object": dir})
	}
	names, err := tbl.ColumnNames()
	if err != nil {
		return errors.NewVerifyError(errors.CodeValidateFailed, "list columns", err).
			WithDetails(map[string]interface{}{"object": dir})
	}
	if len(names) == 0 {
		return nil
	}

	rc := kdb.NewReadCursor(tbl)
	cids := make([]int, len(names))
	for i, name := range names {
		cid, err := rc.AddColumn(name)
		if err != nil {
			return errors.NewVerifyError(errors.CodeValidateFailed, "add column", err).
				WithDetails(map[string]interface{}{"object": dir, "column": name})
		}
		cids[i] = cid
	}
	if err := rc.Open(); err != nil {
		return errors.NewVerifyError(errors.CodeValidateFailed, "open cursor", err).
			WithDetails(map[string]interface{}{"object": dir})
	}
	defer rc.Close()

	rng, err := rc.RowRange(cids[0])
	if err != nil {
		return errors.NewVerifyError(errors.CodeValidateFailed, "row range", err).
			WithDetails(map[string]interface{}{"object": dir, "column": names[0]})
	}
	for i, cid := range cids {
		r, err := rc.RowRange(cid)
		if err != nil {
			return errors.NewVerifyError(errors.CodeValidateFailed, "row range", err).
				WithDetails(map[string]interface{}{"object": dir, "column": names[i]})
		}
		if !r.Equal(rng) {
			return errors.NewVerifyError(errors.CodeValidateFailed,
				fmt.Sprintf("column %s covers rows [%d,+%d), %s covers [%d,+%d)",
					names[i], r.First, r.Count, names[0], rng.First, rng.Count), nil).
				WithDetails(map[string]interface{}{"object": dir})
		}
	}

	// Decode every cell to catch corrupt payloads.
	for row := rng.First; row <= rng.Last(); row++ {
		for i, cid := range cids {
			if _, err := rc.CellData(row, cid); err != nil {
				return errors.NewVerifyError(errors.CodeValidateFailed, "decode cell", err).
					WithDetails(map[string]interface{}{"object": dir, "column": names[i], "row": row})
			}
		}
	}
	return nil
}

// DiffTrees compares two object trees column by column. Columns named in
// expectDiff may differ or be absent from the output; any other divergence
// is a verification failure.
func DiffTrees(origRoot, outRoot string, expectDiff []string) error {
	excluded := make(map[string]bool, len(expectDiff))
	for _, name := range expectDiff {
		excluded[name] = true
	}

	origTables, err := tableDirs(origRoot)
	if err != nil {
		return err
	}
	outTables, err := tableDirs(outRoot)
	if err != nil {
		return err
	}
	origRels := relSet(origRoot, origTables)
	outRels := relSet(outRoot, outTables)
	for rel := range origRels {
		if !outRels[rel] {
			return errors.NewVerifyError(errors.CodeDiffFailed,
				fmt.Sprintf("table %s missing from output", rel), nil)
		}
	}
	for rel := range outRels {
		if !origRels[rel] {
			return errors.NewVerifyError(errors.CodeDiffFailed,
				fmt.Sprintf("table %s not present in original", rel), nil)
		}
	}

	for rel := range origRels {
		origTbl, err := kdb.OpenTableRead(filepath.Join(origRoot, rel))
		if err != nil {
			return err
		}
		outTbl, err := kdb.OpenTableRead(filepath.Join(outRoot, rel))
		if err != nil {
			return err
		}
		if err := diffTable(origTbl, outTbl, rel, excluded); err != nil {
			return err
		}
	}
	return nil
}

func diffTable(orig, out *kdb.Table, rel string, excluded map[string]bool) error {
	origCols, err := orig.ColumnNames()
	if err != nil {
		return err
	}
	outCols, err := out.ColumnNames()
	if err != nil {
		return err
	}

	outSet := make(map[string]bool, len(outCols))
	for _, name := range outCols {
		outSet[name] = true
	}

	for _, name := range origCols {
		if excluded[name] {
			continue
		}
		if !outSet[name] {
			return errors.NewVerifyError(errors.CodeDiffFailed,
				fmt.Sprintf("column %s missing from output", name), nil).
				WithDetails(map[string]interface{}{"object": rel, "column": name})
		}
		origHash, err := hashColumn(orig.ColumnDir(name))
		if err != nil {
			return err
		}
		outHash, err := hashColumn(out.ColumnDir(name))
		if err != nil {
			return err
		}
		if origHash != outHash {
			return errors.NewVerifyError(errors.CodeDiffFailed,
				fmt.Sprintf("column %s content differs", name), nil).
				WithDetails(map[string]interface{}{"object": rel, "column": name})
		}
	}

	origSet := make(map[string]bool, len(origCols))
	for _, name := range origCols {
		origSet[name] = true
	}
	for _, name := range outCols {
		if !excluded[name] && !origSet[name] {
			return errors.NewVerifyError(errors.CodeDiffFailed,
				fmt.Sprintf("column %s not present in original", name), nil).
				WithDetails(map[string]interface{}{"object": rel, "column": name})
		}
	}
	return nil
}

// hashColumn digests a column directory: file names and contents, visited
// in sorted order.
func hashColumn(dir string) (string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return "", errors.NewVerifyError(errors.CodeDiffFailed, "walk column", err).
			WithDetails(map[string]interface{}{"column": dir})
	}
	sort.Strings(files)

	h := murmur3.New128()
	for _, path := range files {
		rel, _ := filepath.Rel(dir, path)
		io.WriteString(h, rel)
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return "", errors.NewVerifyError(errors.CodeDiffFailed, "open file", err)
		}
		_, cpErr := io.Copy(h, f)
		f.Close()
		if cpErr != nil {
			return "", errors.NewVerifyError(errors.CodeDiffFailed, "hash file", cpErr)
		}
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2), nil
}

// tableDirs enumerates the table objects in a tree: the root itself when it
// is a table, or every child of a root database.
func tableDirs(root string) ([]string, error) {
	switch kdb.PathType(root) {
	case kdb.TypeTable:
		return []string{root}, nil
	case kdb.TypeDatabase:
		db, err := kdb.OpenDatabaseRead(root)
		if err != nil {
			return nil, err
		}
		names, err := db.TableNames()
		if err != nil {
			return nil, err
		}
		dirs := make([]string, len(names))
		for i, name := range names {
			dirs[i] = db.TableDir(name)
		}
		return dirs, nil
	default:
		return nil, errors.NewVerifyError(errors.CodeValidateFailed, "not a store object", nil).
			WithDetails(map[string]interface{}{"object": root})
	}
}

func relSet(root string, dirs []string) map[string]bool {
	set := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			rel = dir
		}
		set[filepath.ToSlash(rel)] = true
	}
	return set
}
