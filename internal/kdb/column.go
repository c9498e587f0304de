package kdb

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/pkg/types"
)

// Physical column file names.
const (
	colMetaFile = "colmeta.json"
	colIdxFile  = "idx"
	colDataFile = "data"
)

// idxMagic identifies a column index file.
var idxMagic = [4]byte{'k', 'c', 'o', 'l'}

// colMeta is the per-column sidecar holding the physical element width.
type colMeta struct {
	ElemBits uint32 `json:"elem_bits"`
}

// idxEntry locates one row's cell inside the data file.
// Offset and Length address the snappy-framed payload; Count is the
// number of elements in the decoded cell.
type idxEntry struct {
	Offset uint64
	Length uint32
	Count  uint32
}

// columnReader gives random read access to one physical column.
type columnReader struct {
	name  string
	dir   string
	bits  uint32
	first int64
	rows  []idxEntry
	data  *os.File
}

func openColumnReader(dir, name string) (*columnReader, error) {
	r := &columnReader{name: name, dir: dir}

	mdata, err := os.ReadFile(filepath.Join(dir, colMetaFile))
	if err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "read column sidecar", err).
			WithDetails(map[string]interface{}{"column": name})
	}
	var cm colMeta
	if err := json.Unmarshal(mdata, &cm); err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "parse column sidecar", err).
			WithDetails(map[string]interface{}{"column": name})
	}
	if cm.ElemBits == 0 || cm.ElemBits%8 != 0 {
		return nil, errors.NewIOError(errors.CodeReadFailed,
			fmt.Sprintf("column %s has unsupported element width %d", name, cm.ElemBits), nil)
	}
	r.bits = cm.ElemBits

	if err := r.readIndex(); err != nil {
		return nil, err
	}

	r.data, err = os.Open(filepath.Join(dir, colDataFile))
	if err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "open column data", err).
			WithDetails(map[string]interface{}{"column": name})
	}
	return r, nil
}

func (r *columnReader) readIndex() error {
	f, err := os.Open(filepath.Join(r.dir, colIdxFile))
	if err != nil {
		return errors.NewIOError(errors.CodeReadFailed, "open column index", err).
			WithDetails(map[string]interface{}{"column": r.name})
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil || magic != idxMagic {
		return errors.NewIOError(errors.CodeReadFailed, "bad column index header", err).
			WithDetails(map[string]interface{}{"column": r.name})
	}
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &r.first); err != nil {
		return errors.NewIOError(errors.CodeReadFailed, "read column index", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return errors.NewIOError(errors.CodeReadFailed, "read column index", err)
	}
	r.rows = make([]idxEntry, count)
	for i := range r.rows {
		if err := binary.Read(br, binary.LittleEndian, &r.rows[i]); err != nil {
			return errors.NewIOError(errors.CodeReadFailed, "read column index entry", err).
				WithDetails(map[string]interface{}{"column": r.name, "row": r.first + int64(i)})
		}
	}
	return nil
}

// rowRange returns the contiguous id range covered by this column.
func (r *columnReader) rowRange() types.RowRange {
	return types.RowRange{First: r.first, Count: uint64(len(r.rows))}
}

// cellData reads and decodes the cell at the given row id.
func (r *columnReader) cellData(row int64) (types.CellData, error) {
	i := row - r.first
	if i < 0 || i >= int64(len(r.rows)) {
		return types.CellData{}, errors.NewIOError(errors.CodeReadFailed, "row id out of range", nil).
			WithDetails(map[string]interface{}{"column": r.name, "row": row})
	}
	e := r.rows[i]
	framed := make([]byte, e.Length)
	if _, err := r.data.ReadAt(framed, int64(e.Offset)); err != nil {
		return types.CellData{}, errors.NewIOError(errors.CodeReadFailed, "read cell", err).
			WithDetails(map[string]interface{}{"column": r.name, "row": row})
	}
	raw, err := snappy.Decode(nil, framed)
	if err != nil {
		return types.CellData{}, errors.NewIOError(errors.CodeReadFailed, "decode cell", err).
			WithDetails(map[string]interface{}{"column": r.name, "row": row})
	}
	if len(raw) != int(e.Count)*int(r.bits)/8 {
		return types.CellData{}, errors.NewIOError(errors.CodeReadFailed,
			fmt.Sprintf("cell size %d does not match %d elements of %d bits", len(raw), e.Count, r.bits), nil).
			WithDetails(map[string]interface{}{"column": r.name, "row": row})
	}
	return types.CellData{Data: raw, ElemBits: r.bits, Count: e.Count}, nil
}

func (r *columnReader) close() error {
	if r.data == nil {
		return nil
	}
	err := r.data.Close()
	r.data = nil
	return err
}

// columnWriter appends cells to one physical column in strictly ascending
// row order. The index is buffered in memory and committed at the end, so
// an aborted write leaves no readable column behind.
type columnWriter struct {
	name   string
	dir    string
	bits   uint32
	first  int64
	rows   []idxEntry
	offset uint64
	data   *os.File
	buf    *bufio.Writer
}

func createColumnWriter(dir, name string, elemBits uint32) (*columnWriter, error) {
	if elemBits == 0 || elemBits%8 != 0 {
		return nil, errors.NewIOError(errors.CodeWriteFailed,
			fmt.Sprintf("column %s: unsupported element width %d", name, elemBits), nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewIOError(errors.CodeWriteFailed, "create column directory", err).
			WithDetails(map[string]interface{}{"column": name})
	}
	f, err := os.Create(filepath.Join(dir, colDataFile))
	if err != nil {
		return nil, errors.NewIOError(errors.CodeWriteFailed, "create column data", err).
			WithDetails(map[string]interface{}{"column": name})
	}
	return &columnWriter{
		name: name,
		dir:  dir,
		bits: elemBits,
		data: f,
		buf:  bufio.NewWriter(f),
	}, nil
}

// append writes one cell. The caller guarantees ascending row order.
func (w *columnWriter) append(row int64, payload []byte, count uint32) error {
	if len(payload) != int(count)*int(w.bits)/8 {
		return errors.NewIOError(errors.CodeWriteFailed,
			fmt.Sprintf("cell size %d does not match %d elements of %d bits", len(payload), count, w.bits), nil).
			WithDetails(map[string]interface{}{"column": w.name, "row": row})
	}
	if len(w.rows) == 0 {
		w.first = row
	} else if row != w.first+int64(len(w.rows)) {
		return errors.NewIOError(errors.CodeWriteFailed, "non-contiguous row id", nil).
			WithDetails(map[string]interface{}{"column": w.name, "row": row})
	}
	framed := snappy.Encode(nil, payload)
	if _, err := w.buf.Write(framed); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "write cell", err).
			WithDetails(map[string]interface{}{"column": w.name, "row": row})
	}
	w.rows = append(w.rows, idxEntry{Offset: w.offset, Length: uint32(len(framed)), Count: count})
	w.offset += uint64(len(framed))
	return nil
}

// commit flushes the data file and writes the sidecar and index.
func (w *columnWriter) commit() error {
	if err := w.buf.Flush(); err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "flush column data", err).
			WithDetails(map[string]interface{}{"column": w.name})
	}
	if err := w.data.Close(); err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "close column data", err).
			WithDetails(map[string]interface{}{"column": w.name})
	}
	w.data = nil

	mdata, err := json.Marshal(colMeta{ElemBits: w.bits})
	if err != nil {
		return errors.NewInternalError("serialize column sidecar", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, colMetaFile), mdata, 0644); err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "write column sidecar", err).
			WithDetails(map[string]interface{}{"column": w.name})
	}

	f, err := os.Create(filepath.Join(w.dir, colIdxFile))
	if err != nil {
		return errors.NewIOError(errors.CodeCommitFailed, "create column index", err).
			WithDetails(map[string]interface{}{"column": w.name})
	}
	bw := bufio.NewWriter(f)
	if _, err := bw.Write(idxMagic[:]); err != nil {
		f.Close()
		return errors.NewIOError(errors.CodeCommitFailed, "write column index", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, w.first); err != nil {
		f.Close()
		return errors.NewIOError(errors.CodeCommitFailed, "write column index", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(w.rows))); err != nil {
		f.Close()
		return errors.NewIOError(errors.CodeCommitFailed, "write column index", err)
	}
	for i := range w.rows {
		if err := binary.Write(bw, binary.LittleEndian, w.rows[i]); err != nil {
			f.Close()
			return errors.NewIOError(errors.CodeCommitFailed, "write column index entry", err).
				WithDetails(map[string]interface{}{"column": w.name, "row": w.first + int64(i)})
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.NewIOError(errors.CodeCommitFailed, "flush column index", err)
	}
	return f.Close()
}

// abort releases the data file without committing the index.
func (w *columnWriter) abort() {
	if w.data != nil {
		w.data.Close()
		w.data = nil
	}
}
