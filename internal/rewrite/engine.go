package rewrite

import (
	"encoding/binary"
	"fmt"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
	"github.com/dcroote/sra-tools/pkg/types"
)

// Read filter values, one byte per read.
const (
	ReadFilterPass     = 0
	ReadFilterReject   = 1
	ReadFilterCriteria = 2
	ReadFilterRedacted = 3
)

// DefaultRejectQuality is the quality ceiling for rejecting a read: a read
// whose quality values are all at or below this threshold carries no signal.
const DefaultRejectQuality = 3

// RowData holds the input cells of one row, keyed by column name.
type RowData map[string]types.CellData

// Derivation describes how a schema family recomputes its derived columns
// from source data. The concrete derive function is pluggable per family.
type Derivation struct {
	// InputColumns are the source columns required to compute the outputs.
	// A table missing any of them cannot derive and keeps its filter
	// columns unchanged.
	InputColumns []string

	// OptionalColumns are included in RowData when physically present.
	OptionalColumns []string

	// ReadCountColumn is the descriptor column whose per-row element count
	// is the number of reads in that row.
	ReadCountColumn string

	// OutputElemBits gives the physical element width of each column the
	// derive function can produce.
	OutputElemBits map[string]uint32

	// Derive computes the derived cells for one row. It may produce more
	// outputs than the plan needs; the engine picks the planned ones.
	Derive func(row int64, in RowData) (map[string]types.CellData, error)
}

// DefaultDerivation recomputes the per-read filter columns from quality
// data: a read whose quality values are uniformly at or below the reject
// threshold is marked rejected, everything else keeps its prior filter
// value (pass when no prior filter column exists).
func DefaultDerivation() Derivation {
	return Derivation{
		InputColumns:    []string{"QUALITY", "READ_LEN"},
		OptionalColumns: []string{"RD_FILTER", "READ_FILTER"},
		ReadCountColumn: "READ_LEN",
		OutputElemBits:  map[string]uint32{"RD_FILTER": 8, "READ_FILTER": 8},
		Derive:          deriveReadFilter,
	}
}

func deriveReadFilter(row int64, in RowData) (map[string]types.CellData, error) {
	readLen, err := u32Elems(in["READ_LEN"])
	if err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "decode READ_LEN", err).
			WithDetails(map[string]interface{}{"row": row, "column": "READ_LEN"})
	}
	quality := in["QUALITY"].Data
	reads := len(readLen)

	filter := make([]byte, reads)
	if prior, ok := in["RD_FILTER"]; ok && int(prior.Count) == reads {
		copy(filter, prior.Data)
	} else if prior, ok := in["READ_FILTER"]; ok && int(prior.Count) == reads {
		copy(filter, prior.Data)
	}

	offset := 0
	for i, length := range readLen {
		end := offset + int(length)
		if end > len(quality) {
			return nil, errors.NewIOError(errors.CodeReadFailed,
				fmt.Sprintf("READ_LEN sums past QUALITY (%d > %d)", end, len(quality)), nil).
				WithDetails(map[string]interface{}{"row": row})
		}
		if length > 0 && allAtOrBelow(quality[offset:end], DefaultRejectQuality) {
			filter[i] = ReadFilterReject
		}
		offset = end
	}

	cell := types.CellData{Data: filter, ElemBits: 8, Count: uint32(reads)}
	return map[string]types.CellData{
		"RD_FILTER":   cell,
		"READ_FILTER": cell,
	}, nil
}

func allAtOrBelow(vals []byte, max byte) bool {
	for _, v := range vals {
		if v > max {
			return false
		}
	}
	return true
}

// u32Elems decodes a 32-bit column cell into host integers.
func u32Elems(cell types.CellData) ([]uint32, error) {
	if cell.ElemBits != 32 {
		return nil, fmt.Errorf("expected 32-bit elements, got %d", cell.ElemBits)
	}
	out := make([]uint32, cell.Count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(cell.Data[i*4:])
	}
	return out, nil
}

// RowStats reports the outcome of one table's row transform.
type RowStats struct {
	Rows  uint64
	Range types.RowRange
}

// RewriteRows drives the row-by-row recomputation of the derived columns
// from src into dst. Rows are visited strictly ascending over the source id
// range; every derived cell's element count must match the row's read count;
// the first failure aborts the whole transform with nothing committed.
func RewriteRows(src, dst *kdb.Table, derived []string, d Derivation) (RowStats, error) {
	if len(derived) == 0 {
		return RowStats{}, nil
	}

	rc := kdb.NewReadCursor(src)
	defer rc.Close()

	inputCols := make(map[string]int)
	for _, name := range d.InputColumns {
		cid, err := rc.AddColumn(name)
		if err != nil {
			return RowStats{}, err
		}
		inputCols[name] = cid
	}
	for _, name := range d.OptionalColumns {
		if !src.HasColumn(name) {
			continue
		}
		cid, err := rc.AddColumn(name)
		if err != nil {
			return RowStats{}, err
		}
		inputCols[name] = cid
	}
	if err := rc.Open(); err != nil {
		return RowStats{}, err
	}

	countCid, ok := inputCols[d.ReadCountColumn]
	if !ok {
		return RowStats{}, errors.NewInternalError(
			fmt.Sprintf("read count column %s not among derivation inputs", d.ReadCountColumn), nil)
	}
	rng, err := rc.RowRange(countCid)
	if err != nil {
		return RowStats{}, err
	}

	wc, err := kdb.NewWriteCursor(dst)
	if err != nil {
		return RowStats{}, err
	}
	defer wc.Close()

	outCols := make(map[string]int, len(derived))
	for _, name := range derived {
		bits, ok := d.OutputElemBits[name]
		if !ok {
			return RowStats{}, errors.NewInternalError(
				fmt.Sprintf("no element width for derived column %s", name), nil)
		}
		cid, err := wc.AddColumn(name, bits)
		if err != nil {
			return RowStats{}, err
		}
		outCols[name] = cid
	}
	if err := wc.Open(); err != nil {
		return RowStats{}, err
	}

	var stats RowStats
	stats.Range = rng
	for row := rng.First; row <= rng.Last(); row++ {
		in := make(RowData, len(inputCols))
		for name, cid := range inputCols {
			cell, err := rc.CellData(row, cid)
			if err != nil {
				return RowStats{}, err
			}
			in[name] = cell
		}
		reads := in[d.ReadCountColumn].Count

		out, err := d.Derive(row, in)
		if err != nil {
			return RowStats{}, err
		}

		if err := wc.OpenRow(row); err != nil {
			return RowStats{}, err
		}
		for _, name := range derived {
			cell, ok := out[name]
			if !ok {
				return RowStats{}, errors.NewIOError(errors.CodeWriteFailed,
					fmt.Sprintf("derivation produced no %s cell", name), nil).
					WithDetails(map[string]interface{}{"row": row, "column": name})
			}
			if cell.Count != reads {
				return RowStats{}, errors.NewIOError(errors.CodeWriteFailed,
					fmt.Sprintf("derived %s has %d elements, row descriptor reports %d reads",
						name, cell.Count, reads), nil).
					WithDetails(map[string]interface{}{"row": row, "column": name})
			}
			if err := wc.Write(outCols[name], cell.Data, cell.Count); err != nil {
				return RowStats{}, err
			}
		}
		if err := wc.CommitRow(); err != nil {
			return RowStats{}, err
		}
		if err := wc.CloseRow(); err != nil {
			return RowStats{}, err
		}
		stats.Rows++
	}

	if err := wc.Commit(); err != nil {
		return RowStats{}, err
	}
	return stats, nil
}
