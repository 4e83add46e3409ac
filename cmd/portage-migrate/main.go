package main

import (
	"database/sql"
	"flag"
	"io"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/cuemby/portage/pkg/stats"
	"github.com/cuemby/portage/pkg/storage"
)

var (
	dbPath     = flag.String("db", "portage.db", "Path to the queue store database")
	dryRun     = flag.Bool("dry-run", false, "Report the pending schema version without applying it")
	backupPath = flag.String("backup", "", "Path to back up the database before migrating (default: <db>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Portage Schema Migration Tool")
	log.Println("==============================")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", *dbPath)
	}

	log.Printf("Database: %s", *dbPath)
	log.Printf("Dry run: %v", *dryRun)

	raw, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer raw.Close()

	current, err := storage.SchemaVersion(raw)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	target := storage.CurrentSchemaVersion()

	log.Printf("Current schema version: %d", current)
	log.Printf("Target schema version:  %d", target)

	if current == target {
		log.Println("✓ Database is already at the target schema version")
		return
	}

	if *dryRun {
		log.Printf("[DRY RUN] Would apply %d pending migration step(s)", target-current)
		log.Println("Run without --dry-run to perform the migration.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = *dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(*dbPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("✓ Backup created successfully")

	raw.Close()

	store, err := storage.Open(*dbPath, stats.New())
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer store.Close()

	log.Println("✓ Migration completed successfully!")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
