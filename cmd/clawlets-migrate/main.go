package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/clawlets/clawlets/pkg/storage"
)

var (
	dataDir      = flag.String("data-dir", "/var/lib/clawlets", "Control plane data directory")
	dryRun       = flag.Bool("dry-run", false, "Show what would change without writing")
	backupPath   = flag.String("backup", "", "Path to backup the database before writing (default: <data-dir>/clawlets.db.backup)")
	purgeResults = flag.Bool("purge-results", false, "Delete expired command results instead of rebuilding indexes")
)

// purgeBatch bounds one purge transaction; the tool loops until a batch
// comes up short.
const purgeBatch = 500

// Primary row buckets whose derived indexes the rebuild regenerates.
var indexedBuckets = []string{
	"jobs",
	"runs",
	"run_events",
	"audit_logs",
	"command_results",
	"command_result_blobs",
	"runner_tokens",
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Clawlets Maintenance Tool")
	log.Println("=========================")

	dbPath := filepath.Join(*dataDir, "clawlets.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		var err error
		if *purgeResults {
			err = inspectExpired(*dataDir)
		} else {
			err = inspect(dbPath)
		}
		if err != nil {
			log.Fatalf("Inspection failed: %v", err)
		}
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to apply.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("✓ Backup created successfully")

	if *purgeResults {
		if err := purge(*dataDir); err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		return
	}
	if err := rebuild(*dataDir); err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
}

// inspect opens the database read-only and counts the rows a rebuild
// would index.
func inspect(dbPath string) error {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		log.Println("\n[DRY RUN] Rows that would be re-indexed:")
		total := 0
		for _, name := range indexedBuckets {
			bucket := tx.Bucket([]byte(name))
			if bucket == nil {
				log.Printf("  %-22s bucket missing (will be created)", name)
				continue
			}
			count := bucket.Stats().KeyN
			total += count
			log.Printf("  %-22s %d", name, count)
		}
		log.Printf("  %-22s %d", "total", total)
		return nil
	})
}

// rebuild drops and regenerates every derived index in one transaction.
func rebuild(dataDir string) error {
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var counts *storage.IndexBackfill
	err = store.Update(func(tx *storage.Tx) error {
		counts, err = tx.BackfillIndexes()
		return err
	})
	if err != nil {
		return err
	}

	log.Println("\nIndex entries written:")
	log.Printf("  jobs:       %d", counts.Jobs)
	log.Printf("  runs:       %d", counts.Runs)
	log.Printf("  run events: %d", counts.RunEvents)
	log.Printf("  audit:      %d", counts.Audit)
	log.Printf("  results:    %d", counts.Results)
	log.Printf("  blobs:      %d", counts.Blobs)
	log.Printf("  tokens:     %d", counts.Tokens)
	log.Println("\n✓ Rebuild completed successfully!")
	log.Println("The backup can be deleted once the server has been verified.")
	return nil
}

// inspectExpired counts result rows whose TTL has passed.
func inspectExpired(dataDir string) error {
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	now := time.Now()
	return store.View(func(tx *storage.Tx) error {
		results, err := tx.ExpiredCommandResults(now, 1<<20)
		if err != nil {
			return err
		}
		blobs, err := tx.ExpiredResultBlobs(now, 1<<20)
		if err != nil {
			return err
		}
		log.Println("\n[DRY RUN] Expired result rows that would be deleted:")
		log.Printf("  %-22s %d", "command_results", len(results))
		log.Printf("  %-22s %d", "command_result_blobs", len(blobs))
		return nil
	})
}

// purge deletes expired result rows in bounded batches, removing blob
// backings from disk as it goes.
func purge(dataDir string) error {
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	blobStore, err := storage.NewFileBlobStore(filepath.Join(dataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	now := time.Now()
	totalResults, totalBlobs := 0, 0
	for {
		batchResults, batchBlobs := 0, 0
		err := store.Update(func(tx *storage.Tx) error {
			results, err := tx.ExpiredCommandResults(now, purgeBatch)
			if err != nil {
				return err
			}
			for _, r := range results {
				if err := tx.DeleteCommandResult(r.JobID); err != nil {
					return err
				}
				batchResults++
			}
			blobs, err := tx.ExpiredResultBlobs(now, purgeBatch)
			if err != nil {
				return err
			}
			for _, b := range blobs {
				if err := tx.DeleteResultBlob(b.JobID); err != nil {
					return err
				}
				if err := blobStore.Delete(b.StorageID); err != nil {
					log.Printf("  warning: blob %s not removed: %v", b.StorageID, err)
				}
				batchBlobs++
			}
			return nil
		})
		if err != nil {
			return err
		}
		totalResults += batchResults
		totalBlobs += batchBlobs
		if batchResults < purgeBatch && batchBlobs < purgeBatch {
			break
		}
	}

	log.Println("\nExpired rows deleted:")
	log.Printf("  command_results:      %d", totalResults)
	log.Printf("  command_result_blobs: %d", totalBlobs)
	log.Println("\n✓ Purge completed successfully!")
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
