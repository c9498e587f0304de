package rewrite

import (
	"io"
	"os"
	"path/filepath"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
)

// CopyColumn transfers the physical on-disk representation of a column from
// the source table to the destination table without decoding any row values.
// A missing source column indicates a planning error and fails.
func CopyColumn(dst, src *kdb.Table, name string) error {
	srcDir := src.ColumnDir(name)
	if st, err := os.Stat(srcDir); err != nil || !st.IsDir() {
		return errors.NewIOError(errors.CodeColumnMissing,
			"source column missing for physical copy", err).
			WithDetails(map[string]interface{}{"object": src.Dir(), "column": name})
	}
	if err := copyTree(dst.ColumnDir(name), srcDir); err != nil {
		return errors.NewIOError(errors.CodeCopyFailed, "copy column", err).
			WithDetails(map[string]interface{}{"object": src.Dir(), "column": name})
	}
	return nil
}

// copyTree recursively copies a directory, preserving structure and content
// exactly. File modes are carried over; symlinks are not expected inside
// column directories and are rejected.
func copyTree(dst, src string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return &os.PathError{Op: "copy", Path: path, Err: os.ErrInvalid}
		}
		return copyFile(target, path, info.Mode().Perm())
	})
}

func copyFile(dst, src string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
