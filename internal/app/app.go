// Package app wires the delite pipeline together: fetch a run container,
// extract it, rewrite every object that carries a drop-listed column,
// repack, verify, and publish the result.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dcroote/sra-tools/internal/archive"
	"github.com/dcroote/sra-tools/internal/config"
	"github.com/dcroote/sra-tools/internal/journal"
	"github.com/dcroote/sra-tools/internal/lock"
	"github.com/dcroote/sra-tools/internal/observability"
	"github.com/dcroote/sra-tools/internal/rewrite"
	"github.com/dcroote/sra-tools/internal/schema"
	"github.com/dcroote/sra-tools/internal/storage"
	"github.com/dcroote/sra-tools/internal/verify"
)

// Store key layout. Source containers live under source/, finished ones
// under delited/, and preserved quality columns under preserved/.
func SourceKey(accession string) string    { return "source/" + accession + ".tar.xz" }
func DelitedKey(accession string) string   { return "delited/" + accession + ".tar.xz" }
func PreservedKey(accession string) string { return "preserved/" + accession + ".quality.tar.xz" }

// App runs the delite pipeline over a list of accessions.
type App struct {
	cfg      *config.Config
	logger   *log.Logger
	store    storage.ArchiveStore
	prefetch *storage.Prefetcher
	archiver archive.Archiver
	journal  journal.Journal
	driver   *rewrite.Driver
	verifier *verify.Runner
	stats    *observability.PassStats

	dropSet    map[string]bool
	expectDiff []string
}

// New creates the pipeline from configuration. toolVersion is stamped into
// the provenance metadata of every rewritten object.
func New(cfg *config.Config, toolVersion string, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, stats: observability.NewPassStats(24 * time.Hour)}

	var err error
	switch cfg.Storage.Type {
	case "local":
		a.store, err = storage.NewLocalStore(cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		if cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		}
		s3Cfg.UsePathStyle = cfg.Storage.S3.UsePathStyle
		a.store, err = storage.NewS3Store(context.Background(), cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Printf("storage initialized: type=%s", cfg.Storage.Type)

	a.prefetch = storage.NewPrefetcher(a.store, cfg.Rewrite.Prefetch, cfg.CachePath())

	if cfg.Archive.Tool != "" {
		a.archiver = archive.NewExecArchiver(cfg.Archive.Tool)
		logger.Printf("using external packer: %s", cfg.Archive.Tool)
	} else {
		a.archiver = archive.NewBuiltinArchiver()
	}

	a.journal, err = journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		a.journal.Close()
		return nil, err
	}

	a.dropSet = make(map[string]bool, len(cfg.Rewrite.DropColumns))
	for _, name := range cfg.Rewrite.DropColumns {
		a.dropSet[name] = true
	}

	derivation := rewrite.DefaultDerivation()
	a.driver = rewrite.NewDriver(rewrite.Options{
		ScratchDir:  cfg.ScratchDir,
		DropColumns: a.dropSet,
		ToolName:    cfg.Rewrite.ToolName,
		ToolVersion: toolVersion,
	}, reg, derivation, lock.FileLocker{}, logger)

	a.verifier = verify.NewRunner(verify.Options{
		Skip:         cfg.Verify.Skip,
		ValidateTool: cfg.Verify.ValidateTool,
		DiffTool:     cfg.Verify.DiffTool,
	}, logger)

	// Dropped columns and recomputed filters are the only divergence the
	// differ accepts between the original tree and the output tree.
	a.expectDiff = append(a.expectDiff, cfg.Rewrite.DropColumns...)
	a.expectDiff = append(a.expectDiff, derivation.OptionalColumns...)

	return a, nil
}

func loadRegistry(cfg *config.Config, logger *log.Logger) (*schema.Registry, error) {
	if cfg.Schema.MappingFile == "" {
		return schema.NewRegistry(nil, cfg.Schema.RejectFamilies), nil
	}
	mappings, rejects, err := schema.LoadMappingFile(cfg.Schema.MappingFile)
	if err != nil {
		return nil, err
	}
	rejects = append(rejects, cfg.Schema.RejectFamilies...)
	logger.Printf("loaded %d schema mappings from %s", len(mappings), cfg.Schema.MappingFile)
	return schema.NewRegistry(mappings, rejects), nil
}

// Close releases the journal.
func (a *App) Close() error {
	return a.journal.Close()
}

// Process fetches and rewrites every accession in order. Each accession is
// journaled independently; a failed accession does not stop the remaining
// ones, but any failure makes Process return an error at the end.
func (a *App) Process(ctx context.Context, accessions []string) error {
	keys := make([]string, len(accessions))
	for i, acc := range accessions {
		keys[i] = SourceKey(acc)
	}
	fetched, err := a.prefetch.Fetch(ctx, keys)
	if err != nil {
		return err
	}

	failed := 0
	for i, acc := range accessions {
		key := keys[i]
		if fetchErr, ok := fetched.Errors[key]; ok {
			a.logger.Printf("%s: fetch failed: %v", acc, fetchErr)
			a.recordFailure(ctx, acc, fetchErr)
			failed++
			continue
		}
		if err := a.processOne(ctx, acc, fetched.LocalPaths[key]); err != nil {
			a.logger.Printf("%s: %v", acc, err)
			failed++
			continue
		}
		a.logger.Printf("%s: delited", acc)
	}
	done, objects, rows := a.stats.Totals()
	a.logger.Printf("pass complete: %d accession(s), %d object(s), %d row(s)", done, objects, rows)
	if failed > 0 {
		return fmt.Errorf("%d of %d accessions failed", failed, len(accessions))
	}
	return nil
}

// recordFailure journals a failure for an accession that never got started.
func (a *App) recordFailure(ctx context.Context, accession string, cause error) {
	if err := a.journal.Begin(ctx, accession); err != nil {
		a.logger.Printf("%s: journal error: %v", accession, err)
		return
	}
	if err := a.journal.MarkFailed(ctx, accession, cause); err != nil {
		a.logger.Printf("%s: journal error: %v", accession, err)
	}
}

// processOne runs the full pipeline for one fetched container.
func (a *App) processOne(ctx context.Context, accession, localArchive string) (err error) {
	if err := a.journal.Begin(ctx, accession); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if jErr := a.journal.MarkFailed(ctx, accession, err); jErr != nil {
				a.logger.Printf("%s: journal error: %v", accession, jErr)
			}
		}
	}()

	workRoot := filepath.Join(a.cfg.ScratchDir, fmt.Sprintf("%s_%s", accession, uuid.New().String()[:8]))
	defer func() {
		if rmErr := os.RemoveAll(workRoot); rmErr != nil {
			a.logger.Printf("warning: failed to remove work directory %s, remove it manually: %v", workRoot, rmErr)
		}
	}()

	workDir := filepath.Join(workRoot, "work")
	if err := a.archiver.Extract(localArchive, workDir); err != nil {
		return err
	}

	// The verifier diffs the output against the untouched original, so the
	// container is extracted a second time when verification is on.
	origDir := ""
	if !a.cfg.Verify.Skip {
		origDir = filepath.Join(workRoot, "orig")
		if err := a.archiver.Extract(localArchive, origDir); err != nil {
			return err
		}
	}

	refs, err := rewrite.DiscoverObjects(workDir, a.dropSet)
	if err != nil {
		return err
	}

	preserveRoot := ""
	if a.cfg.Rewrite.PreserveDropped {
		preserveRoot = filepath.Join(workRoot, "preserved")
	}
	started := time.Now()
	objects := 0
	var rows int64
	dropped := 0
	preservedAny := false
	for _, ref := range refs {
		preserveDir := ""
		if preserveRoot != "" {
			preserveDir = filepath.Join(preserveRoot, ref.Rel)
		}
		res, err := a.driver.RewriteObject(ref.Path(workDir), preserveDir)
		if err != nil {
			return err
		}
		if preserveDir != "" && len(res.Plan.Dropped) > 0 {
			preservedAny = true
		}
		objects++
		rows += int64(res.Stats.Rows)
		dropped += len(res.Plan.Dropped)
	}

	outArchive := filepath.Join(workRoot, accession+".delited.tar.xz")
	if err := a.archiver.Create(outArchive, workDir, nil, nil); err != nil {
		return err
	}

	var preservedArchive string
	if preservedAny {
		preservedArchive = filepath.Join(workRoot, accession+".quality.tar.xz")
		if err := a.archiver.Create(preservedArchive, preserveRoot, nil, nil); err != nil {
			return err
		}
	}

	if err := a.verifier.Verify(origDir, workDir, a.expectDiff); err != nil {
		return err
	}

	if err := a.store.Publish(ctx, outArchive, DelitedKey(accession)); err != nil {
		return err
	}
	if preservedArchive != "" {
		if err := a.store.Publish(ctx, preservedArchive, PreservedKey(accession)); err != nil {
			return err
		}
	}

	a.stats.Record(accession, objects, rows, dropped, time.Since(started))
	return a.journal.MarkDelited(ctx, accession)
}

// VerifyOnly re-checks already published accessions without rewriting
// anything: the source and delited containers are fetched, extracted, and
// run through the verifier.
func (a *App) VerifyOnly(ctx context.Context, accessions []string) error {
	failed := 0
	for _, acc := range accessions {
		if err := a.verifyOne(ctx, acc); err != nil {
			a.logger.Printf("%s: %v", acc, err)
			failed++
			continue
		}
		a.logger.Printf("%s: verified", acc)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accessions failed verification", failed, len(accessions))
	}
	return nil
}

func (a *App) verifyOne(ctx context.Context, accession string) error {
	workRoot := filepath.Join(a.cfg.ScratchDir, fmt.Sprintf("%s_verify_%s", accession, uuid.New().String()[:8]))
	defer func() {
		if rmErr := os.RemoveAll(workRoot); rmErr != nil {
			a.logger.Printf("warning: failed to remove work directory %s, remove it manually: %v", workRoot, rmErr)
		}
	}()

	srcArchive := filepath.Join(workRoot, "source.tar.xz")
	if err := a.store.Fetch(ctx, SourceKey(accession), srcArchive); err != nil {
		return err
	}
	outArchive := filepath.Join(workRoot, "delited.tar.xz")
	if err := a.store.Fetch(ctx, DelitedKey(accession), outArchive); err != nil {
		return err
	}

	origDir := filepath.Join(workRoot, "orig")
	if err := a.archiver.Extract(srcArchive, origDir); err != nil {
		return err
	}
	outDir := filepath.Join(workRoot, "out")
	if err := a.archiver.Extract(outArchive, outDir); err != nil {
		return err
	}

	return a.verifier.Verify(origDir, outDir, a.expectDiff)
}

// Status returns the journal entries for all accessions.
func (a *App) Status(ctx context.Context) ([]*journal.RunRecord, error) {
	return a.journal.List(ctx)
}
