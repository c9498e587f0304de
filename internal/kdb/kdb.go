// Package kdb implements the directory-backed columnar object store that the
// rewrite engine operates on. An object is a table (column data plus a
// metadata tree) or a database (a metadata tree plus named child tables).
//
// On-disk layout:
//
//	<object>/md/meta.json        metadata tree
//	<object>/col/<NAME>/         one directory per physical column
//	<object>/col/<NAME>/colmeta.json
//	<object>/col/<NAME>/idx
//	<object>/col/<NAME>/data
//	<object>/tbl/<CHILD>/        database children, each a table object
package kdb

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/meta"
)

// Directory names of the on-disk layout.
const (
	MetaDirName   = "md"
	ColumnDirName = "col"
	TableDirName  = "tbl"
)

// ObjectType classifies a filesystem path as a store object.
type ObjectType int

const (
	TypeNotFound ObjectType = iota
	TypeTable
	TypeDatabase
)

// PathType inspects a directory and reports whether it is a table, a
// database, or neither. A directory with child tables is a database even if
// it also carries columns of its own.
func PathType(dir string) ObjectType {
	if st, err := os.Stat(filepath.Join(dir, TableDirName)); err == nil && st.IsDir() {
		return TypeDatabase
	}
	if st, err := os.Stat(filepath.Join(dir, ColumnDirName)); err == nil && st.IsDir() {
		return TypeTable
	}
	// An object that carries only metadata still counts as a table.
	if st, err := os.Stat(filepath.Join(dir, MetaDirName)); err == nil && st.IsDir() {
		return TypeTable
	}
	return TypeNotFound
}

// Table is one columnar table object rooted at a directory.
type Table struct {
	dir      string
	writable bool
}

// OpenTableRead opens an existing table for shared read access.
func OpenTableRead(dir string) (*Table, error) {
	if PathType(dir) == TypeNotFound {
		return nil, errors.NewIOError(errors.CodeReadFailed, "table not found", nil).
			WithDetails(map[string]interface{}{"object": dir})
	}
	return &Table{dir: dir}, nil
}

// CreateTable creates a new empty table at dir.
func CreateTable(dir string) (*Table, error) {
	for _, sub := range []string{MetaDirName, ColumnDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errors.NewIOError(errors.CodeWriteFailed, "create table", err).
				WithDetails(map[string]interface{}{"object": dir})
		}
	}
	return &Table{dir: dir, writable: true}, nil
}

// OpenTableUpdate opens an existing table for exclusive update.
func OpenTableUpdate(dir string) (*Table, error) {
	t, err := OpenTableRead(dir)
	if err != nil {
		return nil, err
	}
	t.writable = true
	return t, nil
}

// Dir returns the table's root directory.
func (t *Table) Dir() string { return t.dir }

// Meta loads the table's metadata tree.
func (t *Table) Meta() (*meta.Tree, error) {
	return meta.Open(t.dir)
}

// ColumnDir returns the physical directory of the named column.
func (t *Table) ColumnDir(name string) string {
	return filepath.Join(t.dir, ColumnDirName, name)
}

// HasColumn reports whether the named column is physically present.
func (t *Table) HasColumn(name string) bool {
	st, err := os.Stat(t.ColumnDir(name))
	return err == nil && st.IsDir()
}

// ColumnNames lists the physically present columns in sorted order.
func (t *Table) ColumnNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(t.dir, ColumnDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError(errors.CodeReadFailed, "list columns", err).
			WithDetails(map[string]interface{}{"object": t.dir})
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Database is a container object holding named child tables.
type Database struct {
	dir string
}

// OpenDatabaseRead opens an existing database for shared read access.
func OpenDatabaseRead(dir string) (*Database, error) {
	if PathType(dir) != TypeDatabase {
		return nil, errors.NewIOError(errors.CodeReadFailed, "database not found", nil).
			WithDetails(map[string]interface{}{"object": dir})
	}
	return &Database{dir: dir}, nil
}

// CreateDatabase creates a new empty database at dir.
func CreateDatabase(dir string) (*Database, error) {
	for _, sub := range []string{MetaDirName, TableDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errors.NewIOError(errors.CodeWriteFailed, "create database", err).
				WithDetails(map[string]interface{}{"object": dir})
		}
	}
	return &Database{dir: dir}, nil
}

// Dir returns the database's root directory.
func (d *Database) Dir() string { return d.dir }

// Meta loads the database's own metadata tree, separate from its children's.
func (d *Database) Meta() (*meta.Tree, error) {
	return meta.Open(d.dir)
}

// TableNames lists the child table names in sorted order.
func (d *Database) TableNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.dir, TableDirName))
	if err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "list child tables", err).
			WithDetails(map[string]interface{}{"object": d.dir})
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// TableDir returns the directory of the named child table.
func (d *Database) TableDir(name string) string {
	return filepath.Join(d.dir, TableDirName, name)
}

// OpenTableRead opens the named child table for shared read access.
func (d *Database) OpenTableRead(name string) (*Table, error) {
	return OpenTableRead(d.TableDir(name))
}

// CreateTable creates the named child table.
func (d *Database) CreateTable(name string) (*Table, error) {
	return CreateTable(d.TableDir(name))
}
