// Package types provides core data types shared across the delite rewriter.
package types

// CellData is the raw content of one column cell at one row.
type CellData struct {
	// Data holds the cell payload. Element boundaries are implied by
	// ElemBits; the payload length is Count * ElemBits / 8.
	Data []byte

	// ElemBits is the physical width of one element in bits.
	// Only byte-aligned widths are supported.
	ElemBits uint32

	// Count is the number of elements in this cell.
	Count uint32
}

// Bytes returns the payload size in bytes for the given element count.
func (c CellData) Bytes() int {
	return int(c.Count) * int(c.ElemBits) / 8
}

// RowRange is the contiguous range of valid row ids for a table.
type RowRange struct {
	// First is the lowest valid row id.
	First int64

	// Count is the number of rows. The valid ids are [First, First+Count).
	Count uint64
}

// Last returns the highest valid row id, or First-1 for an empty range.
func (r RowRange) Last() int64 {
	return r.First + int64(r.Count) - 1
}

// Equal reports whether two ranges cover exactly the same ids.
func (r RowRange) Equal(o RowRange) bool {
	return r.First == o.First && r.Count == o.Count
}
