package kdb

import (
	"fmt"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/pkg/types"
)

// ReadCursor reads cells from a set of columns of one table. Columns are
// registered with AddColumn before Open; cell access is by (row id, column
// id) after Open.
type ReadCursor struct {
	tbl    *Table
	names  []string
	byName map[string]int
	cols   []*columnReader
	open   bool
}

// NewReadCursor creates a cursor over the given table.
func NewReadCursor(t *Table) *ReadCursor {
	return &ReadCursor{tbl: t, byName: make(map[string]int)}
}

// AddColumn registers a column and returns its column id. Registering the
// same column twice returns the same id.
func (c *ReadCursor) AddColumn(name string) (int, error) {
	if c.open {
		return 0, errors.NewInternalError("AddColumn after Open", nil)
	}
	if cid, ok := c.byName[name]; ok {
		return cid, nil
	}
	if !c.tbl.HasColumn(name) {
		return 0, errors.NewIOError(errors.CodeColumnMissing,
			fmt.Sprintf("column %s not present", name), nil).
			WithDetails(map[string]interface{}{"object": c.tbl.Dir(), "column": name})
	}
	cid := len(c.names)
	c.names = append(c.names, name)
	c.byName[name] = cid
	return cid, nil
}

// Open opens all registered columns for reading.
func (c *ReadCursor) Open() error {
	if c.open {
		return nil
	}
	for _, name := range c.names {
		r, err := openColumnReader(c.tbl.ColumnDir(name), name)
		if err != nil {
			c.Close()
			return err
		}
		c.cols = append(c.cols, r)
	}
	c.open = true
	return nil
}

// RowRange returns the row id range of the identified column.
func (c *ReadCursor) RowRange(cid int) (types.RowRange, error) {
	if !c.open || cid < 0 || cid >= len(c.cols) {
		return types.RowRange{}, errors.NewInternalError("RowRange on unopened column", nil)
	}
	return c.cols[cid].rowRange(), nil
}

// CellData reads the cell of the identified column at the given row.
func (c *ReadCursor) CellData(row int64, cid int) (types.CellData, error) {
	if !c.open || cid < 0 || cid >= len(c.cols) {
		return types.CellData{}, errors.NewInternalError("CellData on unopened column", nil)
	}
	return c.cols[cid].cellData(row)
}

// Close releases all open column readers. Safe to call more than once.
func (c *ReadCursor) Close() error {
	var first error
	for _, r := range c.cols {
		if r == nil {
			continue
		}
		if err := r.close(); err != nil && first == nil {
			first = err
		}
	}
	c.cols = nil
	c.open = false
	return first
}

// WriteCursor writes cells into a set of columns of one table. The row
// protocol is stateful and order-dependent: OpenRow must be called with
// strictly ascending, contiguous row ids, every registered column must be
// written inside the row, and CommitRow/CloseRow finish the row. Nothing
// is readable until Commit writes the column indexes.
type WriteCursor struct {
	tbl     *Table
	names   []string
	bits    []uint32
	byName  map[string]int
	cols    []*columnWriter
	open    bool
	inRow   bool
	row     int64
	staged  []stagedCell
	written []bool
}

type stagedCell struct {
	payload []byte
	count   uint32
}

// NewWriteCursor creates a write cursor over the given table.
func NewWriteCursor(t *Table) (*WriteCursor, error) {
	if !t.writable {
		return nil, errors.NewIOError(errors.CodeWriteFailed, "table not open for update", nil).
			WithDetails(map[string]interface{}{"object": t.Dir()})
	}
	return &WriteCursor{tbl: t, byName: make(map[string]int)}, nil
}

// AddColumn registers an output column with its element width and returns
// its column id.
func (c *WriteCursor) AddColumn(name string, elemBits uint32) (int, error) {
	if c.open {
		return 0, errors.NewInternalError("AddColumn after Open", nil)
	}
	if cid, ok := c.byName[name]; ok {
		return cid, nil
	}
	cid := len(c.names)
	c.names = append(c.names, name)
	c.bits = append(c.bits, elemBits)
	c.byName[name] = cid
	return cid, nil
}

// Open creates the physical columns and prepares the cursor for row writes.
func (c *WriteCursor) Open() error {
	if c.open {
		return nil
	}
	for i, name := range c.names {
		w, err := createColumnWriter(c.tbl.ColumnDir(name), name, c.bits[i])
		if err != nil {
			c.Close()
			return err
		}
		c.cols = append(c.cols, w)
	}
	c.staged = make([]stagedCell, len(c.names))
	c.written = make([]bool, len(c.names))
	c.open = true
	return nil
}

// OpenRow starts the write of one row. Row ids must be contiguous and
// strictly ascending across calls.
func (c *WriteCursor) OpenRow(row int64) error {
	if !c.open {
		return errors.NewInternalError("OpenRow before Open", nil)
	}
	if c.inRow {
		return errors.NewIOError(errors.CodeWriteFailed, "previous row not closed", nil).
			WithDetails(map[string]interface{}{"row": row})
	}
	c.inRow = true
	c.row = row
	for i := range c.written {
		c.written[i] = false
	}
	return nil
}

// Write stages the cell of one column for the open row. Staged cells only
// reach the column files at CommitRow, so a failed row leaves no partial
// data behind.
func (c *WriteCursor) Write(cid int, payload []byte, count uint32) error {
	if !c.inRow {
		return errors.NewIOError(errors.CodeWriteFailed, "Write outside open row", nil)
	}
	if cid < 0 || cid >= len(c.cols) {
		return errors.NewInternalError("invalid column id", nil)
	}
	if len(payload) != int(count)*int(c.bits[cid])/8 {
		return errors.NewIOError(errors.CodeWriteFailed,
			fmt.Sprintf("cell size %d does not match %d elements of %d bits",
				len(payload), count, c.bits[cid]), nil).
			WithDetails(map[string]interface{}{"column": c.names[cid], "row": c.row})
	}
	c.staged[cid] = stagedCell{payload: append([]byte(nil), payload...), count: count}
	c.written[cid] = true
	return nil
}

// CommitRow appends every staged cell to its column. Every registered
// column must have been written for the open row.
func (c *WriteCursor) CommitRow() error {
	if !c.inRow {
		return errors.NewIOError(errors.CodeCommitFailed, "CommitRow outside open row", nil)
	}
	for cid, ok := range c.written {
		if !ok {
			return errors.NewIOError(errors.CodeCommitFailed,
				fmt.Sprintf("column %s not written", c.names[cid]), nil).
				WithDetails(map[string]interface{}{"column": c.names[cid], "row": c.row})
		}
	}
	for cid, cell := range c.staged {
		if err := c.cols[cid].append(c.row, cell.payload, cell.count); err != nil {
			return err
		}
	}
	return nil
}

// CloseRow finishes the open row.
func (c *WriteCursor) CloseRow() error {
	if !c.inRow {
		return errors.NewIOError(errors.CodeCommitFailed, "CloseRow outside open row", nil)
	}
	c.inRow = false
	return nil
}

// Commit finalizes every column: data files are flushed and the indexes and
// sidecars are written, making the columns readable.
func (c *WriteCursor) Commit() error {
	if !c.open {
		return errors.NewInternalError("Commit before Open", nil)
	}
	if c.inRow {
		return errors.NewIOError(errors.CodeCommitFailed, "Commit with open row", nil)
	}
	for _, w := range c.cols {
		if err := w.commit(); err != nil {
			return err
		}
	}
	c.cols = nil
	c.open = false
	return nil
}

// Close releases the cursor. Columns not committed are aborted and remain
// unreadable. Safe to call more than once.
func (c *WriteCursor) Close() {
	for _, w := range c.cols {
		if w != nil {
			w.abort()
		}
	}
	c.cols = nil
	c.open = false
	c.inRow = false
}
