package app

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

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

// buildRunTable writes a two-spot sequencing table with a schema type.
func buildRunTable(t *testing.T, dir string) {
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
	fltCol, _ := wc.AddColumn("RD_FILTER", 8)
	if err := wc.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rows := []struct {
		read    []byte
		qual    []byte
		readLen []uint32
		filter  []byte
	}{
		{[]byte("ACGTACGT"), []byte{30, 30, 30, 30, 28, 28, 28, 28}, []uint32{4, 4}, []byte{0, 0}},
		{[]byte("GGTT"), []byte{2, 3, 2, 2}, []uint32{4}, []byte{0}},
	}
	for i, r := range rows {
		row := int64(1 + i)
		if err := wc.OpenRow(row); err != nil {
			t.Fatalf("OpenRow failed: %v", err)
		}
		must := func(err error) {
			if err != nil {
				t.Fatalf("write row %d failed: %v", row, err)
			}
		}
		must(wc.Write(readCol, r.read, uint32(len(r.read))))
		must(wc.Write(qualCol, r.qual, uint32(len(r.qual))))
		must(wc.Write(lenCol, u32le(r.readLen), uint32(len(r.readLen))))
		must(wc.Write(fltCol, r.filter, uint32(len(r.filter))))
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
	tree.WriteAttr(meta.SchemaNode, "name", "NCBI:SRA:Illumina:tbl:q4#1.1")
	if err := tree.Save(); err != nil {
		t.Fatalf("meta Save failed: %v", err)
	}
}

// seedSource packs a run table into a container and publishes it under the
// accession's source key.
func seedSource(t *testing.T, cfg *config.Config, accession string) {
	t.Helper()
	tblDir := filepath.Join(t.TempDir(), accession)
	buildRunTable(t, tblDir)

	arc := filepath.Join(t.TempDir(), accession+".tar.xz")
	if err := archive.NewBuiltinArchiver().Create(arc, tblDir, nil, nil); err != nil {
		t.Fatalf("Create archive failed: %v", err)
	}

	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := store.Publish(context.Background(), arc, SourceKey(accession)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "delite")
	cfg.Rewrite.PreserveDropped = true
	cfg.Resolve()
	return cfg
}

func TestProcessEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	seedSource(t, cfg, "SRR000001")

	a, err := New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Process(ctx, []string{"SRR000001"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	for _, key := range []string{DelitedKey("SRR000001"), PreservedKey("SRR000001")} {
		exists, err := store.Exists(ctx, key)
		if err != nil {
			t.Fatalf("Exists %s failed: %v", key, err)
		}
		if !exists {
			t.Errorf("key %s not published", key)
		}
	}

	// The published container must not carry the dropped column and must
	// carry the recomputed filter.
	local := filepath.Join(t.TempDir(), "delited.tar.xz")
	if err := store.Fetch(ctx, DelitedKey("SRR000001"), local); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	out := t.TempDir()
	if err := archive.NewBuiltinArchiver().Extract(local, out); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	tbl, err := kdb.OpenTableRead(out)
	if err != nil {
		t.Fatalf("OpenTableRead failed: %v", err)
	}
	if tbl.HasColumn("QUALITY") {
		t.Error("published table still carries QUALITY")
	}
	if !tbl.HasColumn("RD_FILTER") {
		t.Error("published table carries no RD_FILTER")
	} else {
		rc := kdb.NewReadCursor(tbl)
		cid, err := rc.AddColumn("RD_FILTER")
		if err != nil {
			t.Fatalf("AddColumn failed: %v", err)
		}
		if err := rc.Open(); err != nil {
			t.Fatalf("read cursor Open failed: %v", err)
		}
		cell, err := rc.CellData(2, cid)
		if err != nil {
			t.Fatalf("CellData failed: %v", err)
		}
		rc.Close()
		// The second spot's quality is uniformly at the reject ceiling.
		if len(cell.Data) != 1 || cell.Data[0] != rewrite.ReadFilterReject {
			t.Errorf("RD_FILTER row 2 = %v, want [%d]", cell.Data, rewrite.ReadFilterReject)
		}
	}
	tree, err := meta.Open(out)
	if err != nil {
		t.Fatalf("meta.Open failed: %v", err)
	}
	if !tree.Has(meta.ProvenanceNode) {
		t.Error("published table carries no provenance stamp")
	}

	// The preserved container holds exactly the dropped column.
	if err := store.Fetch(ctx, PreservedKey("SRR000001"), local); err != nil {
		t.Fatalf("Fetch preserved failed: %v", err)
	}
	preserved := t.TempDir()
	if err := archive.NewBuiltinArchiver().Extract(local, preserved); err != nil {
		t.Fatalf("Extract preserved failed: %v", err)
	}
	ptbl, err := kdb.OpenTableRead(preserved)
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

func TestVerifyOnly(t *testing.T) {
	cfg := testConfig(t)
	seedSource(t, cfg, "SRR000001")

	a, err := New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Process(ctx, []string{"SRR000001"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := a.VerifyOnly(ctx, []string{"SRR000001"}); err != nil {
		t.Fatalf("VerifyOnly failed: %v", err)
	}

	// Swapping in an unrelated container for the published output must be
	// caught on re-verification.
	other := filepath.Join(t.TempDir(), "other")
	buildRunTable(t, other)
	arc := filepath.Join(t.TempDir(), "other.tar.xz")
	if err := archive.NewBuiltinArchiver().Create(arc, other, []string{"QUALITY", "READ_LEN"}, nil); err != nil {
		t.Fatalf("Create archive failed: %v", err)
	}
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := store.Publish(ctx, arc, DelitedKey("SRR000001")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := a.VerifyOnly(ctx, []string{"SRR000001"}); err == nil {
		t.Fatal("expected re-verification of a swapped container to fail")
	}
}

func TestProcessMissingAccessionIsJournaled(t *testing.T) {
	cfg := testConfig(t)
	seedSource(t, cfg, "SRR000001")

	a, err := New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	err = a.Process(ctx, []string{"SRR000001", "SRR000404"})
	if err == nil {
		t.Fatal("expected Process to report the missing accession")
	}

	recs, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	states := map[string]string{}
	for _, rec := range recs {
		states[rec.Accession] = rec.State
	}
	if states["SRR000001"] != journal.StateDelited {
		t.Errorf("SRR000001 state = %s", states["SRR000001"])
	}
	if states["SRR000404"] != journal.StateFailed {
		t.Errorf("SRR000404 state = %s", states["SRR000404"])
	}
}

func TestProcessIsNotRepeatable(t *testing.T) {
	cfg := testConfig(t)
	seedSource(t, cfg, "SRR000009")

	a, err := New(cfg, "1.0.0", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Process(ctx, []string{"SRR000009"}); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}

	// Feed the finished container back in as a source: the provenance
	// guard must refuse it.
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	local := filepath.Join(t.TempDir(), "delited.tar.xz")
	if err := store.Fetch(ctx, DelitedKey("SRR000009"), local); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := store.Publish(ctx, local, SourceKey("SRR000010")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := os.RemoveAll(cfg.CachePath()); err != nil {
		t.Fatalf("cache cleanup failed: %v", err)
	}

	if err := a.Process(ctx, []string{"SRR000010"}); err == nil {
		t.Fatal("expected a second pass over a processed object to fail")
	}
	rec, err := a.journal.Get(ctx, "SRR000010")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil || rec.State != journal.StateFailed {
		t.Errorf("journal entry = %+v, want failed", rec)
	}
}
