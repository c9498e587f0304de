package rewrite

import (
	"encoding/binary"
	"testing"

	"github.com/dcroote/sra-tools/internal/kdb"
	"github.com/dcroote/sra-tools/internal/meta"
)

// spot is one fixture row: a spot with its biological reads laid end to end.
type spot struct {
	read    []byte
	qual    []byte
	readLen []uint32
	filter  []byte
}

func u32le(vals []uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// buildSequenceTable writes a SEQUENCE-shaped table with READ, QUALITY,
// READ_LEN and RD_FILTER columns and a schema type in its metadata.
func buildSequenceTable(t *testing.T, dir, schemaType string, first int64, spots []spot) *kdb.Table {
	t.Helper()

	tbl, err := kdb.CreateTable(dir)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	wc, err := kdb.NewWriteCursor(tbl)
	if err != nil {
		t.Fatalf("NewWriteCursor failed: %v", err)
	}
	readCol, _ := wc.AddColumn("READ", 8)
	qualCol, _ := wc.AddColumn("QUALITY", 8)
	lenCol, _ := wc.AddColumn("READ_LEN", 32)
	filtCol, _ := wc.AddColumn("RD_FILTER", 8)
	if err := wc.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i, s := range spots {
		row := first + int64(i)
		if err := wc.OpenRow(row); err != nil {
			t.Fatalf("OpenRow %d failed: %v", row, err)
		}
		must := func(err error) {
			if err != nil {
				t.Fatalf("write row %d failed: %v", row, err)
			}
		}
		must(wc.Write(readCol, s.read, uint32(len(s.read))))
		must(wc.Write(qualCol, s.qual, uint32(len(s.qual))))
		must(wc.Write(lenCol, u32le(s.readLen), uint32(len(s.readLen))))
		must(wc.Write(filtCol, s.filter, uint32(len(s.filter))))
		must(wc.CommitRow())
		must(wc.CloseRow())
	}
	if err := wc.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tree, err := meta.Open(dir)
	if err != nil {
		t.Fatalf("meta.Open failed: %v", err)
	}
	tree.WriteValue(meta.SchemaNode, []byte("version 1;"))
	tree.WriteAttr(meta.SchemaNode, "name", schemaType)
	if err := tree.Save(); err != nil {
		t.Fatalf("meta Save failed: %v", err)
	}
	return tbl
}

// defaultSpots is a three-spot fixture: the second read of spot two carries
// only reject-threshold quality values.
func defaultSpots() []spot {
	return []spot{
		{
			read:    []byte("ACGTACGT"),
			qual:    []byte{30, 30, 30, 30, 28, 28, 28, 28},
			readLen: []uint32{4, 4},
			filter:  []byte{ReadFilterPass, ReadFilterPass},
		},
		{
			read:    []byte("GGGGTT"),
			qual:    []byte{35, 35, 35, 35, 2, 3},
			readLen: []uint32{4, 2},
			filter:  []byte{ReadFilterPass, ReadFilterPass},
		},
		{
			read:    []byte("AAA"),
			qual:    []byte{12, 12, 12},
			readLen: []uint32{3},
			filter:  []byte{ReadFilterCriteria},
		},
	}
}
