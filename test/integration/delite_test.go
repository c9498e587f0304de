// Package integration provides end-to-end tests that run whole accessions
// through the pipeline: fetch, extract, rewrite, verify, publish.
package integration

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/dcroote/sra-tools/internal/app"
	"github.com/dcroote/sra-tools/internal/archive"
	"github.com/dcroote/sra-tools/internal/config"
	"github.com/dcroote/sra-tools/internal/journal"
	"github.com/dcroote/sra-tools/internal/kdb"
	"github.com/dcroote/sra-tools/internal/meta"
	"github.com/dcroote/sra-tools/internal/rewrite"
	"github.com/dcroote/sra-tools/internal/storage"
)

func u32le(vals []uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func setSchema(t *testing.T, dir, name string) {
	t.Helper()
	tree, err := meta.Open(dir)
	if err != nil {
		t.Fatalf("meta.Open %s failed: %v", dir, err)
	}
	tree.WriteValue(meta.SchemaNode, []byte("version 1;"))
	tree.WriteAttr(meta.SchemaNode, "name", name)
	if err := tree.Save(); err != nil {
		t.Fatalf("meta Save %s failed: %v", dir, err)
	}
}

type column struct {
	name     string
	elemBits uint32
	cells    [][]byte
}

func writeColumns(t *testing.T, tbl *kdb.Table, cols []column) {
	t.Helper()
	wc, err := kdb.NewWriteCursor(tbl)
	if err != nil {
		t.Fatalf("NewWriteCursor failed: %v", err)
	}
	cids := make([]int, len(cols))
	for i, c := range cols {
		cid, err := wc.AddColumn(c.name, c.elemBits)
		if err != nil {
			t.Fatalf("AddColumn %s failed: %v", c.name, err)
		}
		cids[i] = cid
	}
	if err := wc.Open(); err != nil {
		t.Fatalf("cursor Open failed: %v", err)
	}
	for r := 0; r < len(cols[0].cells); r++ {
		row := int64(1 + r)
		if err := wc.OpenRow(row); err != nil {
			t.Fatalf("OpenRow %d failed: %v", row, err)
		}
		for i, c := range cols {
			count := uint32(len(c.cells[r]))
			if c.elemBits == 32 {
				count /= 4
			}
			if err := wc.Write(cids[i], c.cells[r], count); err != nil {
				t.Fatalf("Write %s row %d failed: %v", c.name, row, err)
			}
		}
		if err := wc.CommitRow(); err != nil {
			t.Fatalf("CommitRow %d failed: %v", row, err)
		}
		if err := wc.CloseRow(); err != nil {
			t.Fatalf("CloseRow %d failed: %v", row, err)
		}
	}
	if err := wc.Commit(); err != nil {
		t.Fatalf("cursor Commit failed: %v", err)
	}
}

// buildRunDatabase lays out a database container with two child tables: a
// SEQUENCE table carrying quality data and a REFERENCE sibling that carries
// none but must still be visited and stamped.
func buildRunDatabase(t *testing.T, dir string) {
	t.Helper()
	db, err := kdb.CreateDatabase(dir)
	if err != nil {
		t.Fatalf("CreateDatabase failed: %v", err)
	}
	setSchema(t, dir, "NCBI:SRA:Illumina:db#1")

	seq, err := db.CreateTable("SEQUENCE")
	if err != nil {
		t.Fatalf("CreateTable SEQUENCE failed: %v", err)
	}
	writeColumns(t, seq, []column{
		{"READ", 8, [][]byte{[]byte("ACGTACGT"), []byte("GGTT")}},
		{"QUALITY", 8, [][]byte{{30, 30, 30, 30, 28, 28, 28, 28}, {2, 3, 2, 2}}},
		{"READ_LEN", 32, [][]byte{u32le([]uint32{4, 4}), u32le([]uint32{4})}},
		{"RD_FILTER", 8, [][]byte{{0, 0}, {0}}},
	})
	setSchema(t, db.TableDir("SEQUENCE"), "NCBI:SRA:Illumina:tbl:q4#1.1")

	ref, err := db.CreateTable("REFERENCE")
	if err != nil {
		t.Fatalf("CreateTable REFERENCE failed: %v", err)
	}
	writeColumns(t, ref, []column{
		{"NAME", 8, [][]byte{[]byte("chr1"), []byte("chr2")}},
		{"SEQ_START", 32, [][]byte{u32le([]uint32{1}), u32le([]uint32{1})}},
	})
	setSchema(t, db.TableDir("REFERENCE"), "NCBI:align:tbl:reference#2")
}

func setupEnv(t *testing.T, accession string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "delite")
	cfg.Rewrite.PreserveDropped = true

	mappingFile := filepath.Join(t.TempDir(), "schemas.map")
	rules := "map NCBI:SRA:Illumina:tbl:q4 1.1 NCBI:SRA:Illumina:tbl:q1 1.1\n" +
		"map NCBI:SRA:Illumina:db 1 NCBI:SRA:Illumina:db 2\n"
	if err := os.WriteFile(mappingFile, []byte(rules), 0644); err != nil {
		t.Fatalf("write mapping file failed: %v", err)
	}
	cfg.Schema.MappingFile = mappingFile
	cfg.Resolve()

	dbDir := filepath.Join(t.TempDir(), accession)
	buildRunDatabase(t, dbDir)

	arc := filepath.Join(t.TempDir(), accession+".tar.xz")
	if err := archive.NewBuiltinArchiver().Create(arc, dbDir, nil, nil); err != nil {
		t.Fatalf("Create archive failed: %v", err)
	}
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := store.Publish(context.Background(), arc, app.SourceKey(accession)); err != nil {
		t.Fatalf("Publish source failed: %v", err)
	}
	return cfg
}

func fetchAndExtract(t *testing.T, cfg *config.Config, key string) string {
	t.Helper()
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	local := filepath.Join(t.TempDir(), filepath.Base(key))
	if err := store.Fetch(context.Background(), key, local); err != nil {
		t.Fatalf("Fetch %s failed: %v", key, err)
	}
	out := t.TempDir()
	if err := archive.NewBuiltinArchiver().Extract(local, out); err != nil {
		t.Fatalf("Extract %s failed: %v", key, err)
	}
	return out
}

func TestDatabaseAccessionEndToEnd(t *testing.T) {
	const accession = "SRR100001"
	cfg := setupEnv(t, accession)

	a, err := app.New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Process(ctx, []string{accession}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	out := fetchAndExtract(t, cfg, app.DelitedKey(accession))
	db, err := kdb.OpenDatabaseRead(out)
	if err != nil {
		t.Fatalf("OpenDatabaseRead failed: %v", err)
	}

	// The container itself is stamped and remapped.
	tree, err := meta.Open(out)
	if err != nil {
		t.Fatalf("meta.Open failed: %v", err)
	}
	if !tree.Has(meta.ProvenanceNode) {
		t.Error("database carries no provenance stamp")
	}
	if name, _ := tree.ReadAttr(meta.SchemaNode, "name"); name != "NCBI:SRA:Illumina:db#2" {
		t.Errorf("database schema = %q, want NCBI:SRA:Illumina:db#2", name)
	}

	seq, err := db.OpenTableRead("SEQUENCE")
	if err != nil {
		t.Fatalf("OpenTableRead SEQUENCE failed: %v", err)
	}
	if seq.HasColumn("QUALITY") {
		t.Error("SEQUENCE still carries QUALITY")
	}
	seqTree, err := meta.Open(db.TableDir("SEQUENCE"))
	if err != nil {
		t.Fatalf("meta.Open SEQUENCE failed: %v", err)
	}
	if name, _ := seqTree.ReadAttr(meta.SchemaNode, "name"); name != "NCBI:SRA:Illumina:tbl:q1#1.1" {
		t.Errorf("SEQUENCE schema = %q, want NCBI:SRA:Illumina:tbl:q1#1.1", name)
	}

	// Second spot: quality uniformly at the reject ceiling.
	rc := kdb.NewReadCursor(seq)
	cid, err := rc.AddColumn("RD_FILTER")
	if err != nil {
		t.Fatalf("AddColumn RD_FILTER failed: %v", err)
	}
	if err := rc.Open(); err != nil {
		t.Fatalf("read cursor Open failed: %v", err)
	}
	cell, err := rc.CellData(2, cid)
	if err != nil {
		t.Fatalf("CellData failed: %v", err)
	}
	rc.Close()
	if len(cell.Data) != 1 || cell.Data[0] != rewrite.ReadFilterReject {
		t.Errorf("RD_FILTER row 2 = %v, want [%d]", cell.Data, rewrite.ReadFilterReject)
	}

	// The sibling without quality data survives with its columns intact and
	// its unmapped schema unchanged.
	ref, err := db.OpenTableRead("REFERENCE")
	if err != nil {
		t.Fatalf("OpenTableRead REFERENCE failed: %v", err)
	}
	for _, name := range []string{"NAME", "SEQ_START"} {
		if !ref.HasColumn(name) {
			t.Errorf("REFERENCE lost column %s", name)
		}
	}
	refTree, err := meta.Open(db.TableDir("REFERENCE"))
	if err != nil {
		t.Fatalf("meta.Open REFERENCE failed: %v", err)
	}
	if !refTree.Has(meta.ProvenanceNode) {
		t.Error("REFERENCE carries no provenance stamp")
	}
	if name, _ := refTree.ReadAttr(meta.SchemaNode, "name"); name != "NCBI:align:tbl:reference#2" {
		t.Errorf("REFERENCE schema = %q, want unchanged", name)
	}

	// Preserved side output holds the dropped column in place.
	preserved := fetchAndExtract(t, cfg, app.PreservedKey(accession))
	ptbl, err := kdb.OpenTableRead(filepath.Join(preserved, "tbl", "SEQUENCE"))
	if err != nil {
		t.Fatalf("OpenTableRead preserved failed: %v", err)
	}
	names, err := ptbl.ColumnNames()
	if err != nil {
		t.Fatalf("ColumnNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != "QUALITY" {
		t.Errorf("preserved columns = %v, want [QUALITY]", names)
	}

	recs, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(recs) != 1 || recs[0].State != journal.StateDelited {
		t.Errorf("journal = %+v, want one delited entry", recs)
	}
}

func TestRejectedFamilyFailsBeforeTouchingData(t *testing.T) {
	const accession = "SRR100002"
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "delite")
	cfg.Resolve()

	dbDir := filepath.Join(t.TempDir(), accession)
	db, err := kdb.CreateDatabase(dbDir)
	if err != nil {
		t.Fatalf("CreateDatabase failed: %v", err)
	}
	setSchema(t, dbDir, "NCBI:SRA:PacBio:db#1")
	seq, err := db.CreateTable("SEQUENCE")
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	writeColumns(t, seq, []column{
		{"READ", 8, [][]byte{[]byte("ACGT")}},
		{"QUALITY", 8, [][]byte{{30, 30, 30, 30}}},
		{"READ_LEN", 32, [][]byte{u32le([]uint32{4})}},
	})
	setSchema(t, db.TableDir("SEQUENCE"), "NCBI:SRA:PacBio:tbl:seq#1")

	arc := filepath.Join(t.TempDir(), accession+".tar.xz")
	if err := archive.NewBuiltinArchiver().Create(arc, dbDir, nil, nil); err != nil {
		t.Fatalf("Create archive failed: %v", err)
	}
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Publish(ctx, arc, app.SourceKey(accession)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	a, err := app.New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	defer a.Close()

	if err := a.Process(ctx, []string{accession}); err == nil {
		t.Fatal("expected a deny-listed schema family to fail the run")
	}

	exists, err := store.Exists(ctx, app.DelitedKey(accession))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("rejected accession must not publish output")
	}

	recs, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(recs) != 1 || recs[0].State != journal.StateFailed {
		t.Errorf("journal = %+v, want one failed entry", recs)
	}
}
