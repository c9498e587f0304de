// Package main implements the sra-delite binary. It fetches run containers,
// removes the drop-listed columns, recomputes read filters, verifies the
// result against the original, and publishes the rewritten containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dcroote/sra-tools/internal/app"
	"github.com/dcroote/sra-tools/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mappingFile string
		dropColumns string
		preserve    bool
		skipVerify  bool
		verifyOnly  bool
		showStatus  bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all working files")
	flag.StringVar(&mappingFile, "mapping-file", "", "Path to the schema mapping file")
	flag.StringVar(&dropColumns, "drop-columns", "", "Comma-separated column names to remove")
	flag.BoolVar(&preserve, "preserve", false, "Keep removed columns in a side container")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip post-rewrite verification")
	flag.BoolVar(&verifyOnly, "verify-only", false, "Re-verify published accessions without rewriting")
	flag.BoolVar(&showStatus, "status", false, "Print the run journal and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sra-delite - quality column removal for sequencing run archives\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sra-delite [options] ACCESSION...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sra-delite --data-dir /data/delite SRR000001\n")
		fmt.Fprintf(os.Stderr, "  sra-delite --config /etc/delite/config.yaml --preserve SRR000001 SRR000002\n")
		fmt.Fprintf(os.Stderr, "  sra-delite --verify-only SRR000001\n")
		fmt.Fprintf(os.Stderr, "  sra-delite --status\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DELITE_DATA_DIR             Base directory for working files\n")
		fmt.Fprintf(os.Stderr, "  DELITE_SCHEMA_MAPPING_FILE  Schema mapping file\n")
		fmt.Fprintf(os.Stderr, "  DELITE_DROP_COLUMNS         Comma-separated columns to remove\n")
		fmt.Fprintf(os.Stderr, "  DELITE_STORAGE_TYPE         Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  DELITE_S3_BUCKET            S3 bucket for run containers\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("sra-delite version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mappingFile, dropColumns, preserve, skipVerify)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg, version, log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if showStatus {
		if err := printStatus(ctx, application); err != nil {
			log.Fatalf("Failed to read journal: %v", err)
		}
		return
	}

	accessions := flag.Args()
	if len(accessions) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log.Printf("sra-delite %s: %d accession(s), data dir %s, storage %s",
		version, len(accessions), cfg.DataDir, cfg.Storage.Type)

	if verifyOnly {
		if err := application.VerifyOnly(ctx, accessions); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		return
	}

	if err := application.Process(ctx, accessions); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mappingFile, dropColumns string, preserve, skipVerify bool) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mappingFile != "" {
		cfg.Schema.MappingFile = mappingFile
	}
	if dropColumns != "" {
		cfg.Rewrite.DropColumns = nil
		for _, name := range strings.Split(dropColumns, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Rewrite.DropColumns = append(cfg.Rewrite.DropColumns, name)
			}
		}
	}
	if preserve {
		cfg.Rewrite.PreserveDropped = true
	}
	if skipVerify {
		cfg.Verify.Skip = true
	}

	return cfg, nil
}

// printStatus dumps the run journal as a table.
func printStatus(ctx context.Context, application *app.App) error {
	recs, err := application.Status(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("journal is empty")
		return nil
	}
	fmt.Printf("%-16s %-10s %-20s %s\n", "ACCESSION", "STATE", "STARTED", "ERROR")
	for _, rec := range recs {
		errText := rec.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Printf("%-16s %-10s %-20s %s\n",
			rec.Accession, rec.State, rec.StartedAt.Format("2006-01-02 15:04:05"), errText)
	}
	return nil
}
