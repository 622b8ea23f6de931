package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// fixOrphanBlobs finds audio files under dir that no recording references.
// They are left behind when a recording insert fails after the upload was
// stored and the cleanup delete also failed. Files younger than grace may
// belong to an upload whose recording is not committed yet and are skipped.
func fixOrphanBlobs(ctx context.Context, pool *pgxpool.Pool, dir string, grace time.Duration, dryRun bool) {
	rows, err := pool.Query(ctx, `SELECT blob_ref FROM recordings`)
	if err != nil {
		fmt.Printf("Error loading blob refs: %v\n", err)
		return
	}
	known := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			fmt.Printf("Error scanning blob ref: %v\n", err)
			return
		}
		known[ref] = true
	}
	rows.Close()

	orphans, err := findOrphans(dir, known, time.Now().Add(-grace))
	if err != nil {
		fmt.Printf("Error walking %s: %v\n", dir, err)
		return
	}

	fmt.Printf("Found %d orphaned blobs older than %s in %s (%d recordings)\n", len(orphans), grace, dir, len(known))
	if len(orphans) == 0 {
		return
	}

	if dryRun {
		fmt.Println("Dry run, no changes made. Run with 'orphans [-grace d] apply' to delete.")
		for i, p := range orphans {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(orphans)-10)
				break
			}
			fmt.Printf("  %s\n", p)
		}
		return
	}

	deleted := 0
	for _, p := range orphans {
		if err := os.Remove(p); err != nil {
			fmt.Printf("  failed to delete %s: %v\n", p, err)
			continue
		}
		deleted++
	}
	fmt.Printf("Deleted %d orphaned blobs\n", deleted)
}

// findOrphans lists files under dir that are not in known and were last
// modified before cutoff. In-progress temp files are never listed.
func findOrphans(dir string, known map[string]bool, cutoff time.Time) ([]string, error) {
	var orphans []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if isTempBlob(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || known[filepath.ToSlash(rel)] {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		orphans = append(orphans, path)
		return nil
	})
	return orphans, err
}

// isTempBlob matches the names LocalStore writes before its atomic rename.
func isTempBlob(name string) bool {
	return strings.HasPrefix(name, ".blob-") && strings.HasSuffix(name, ".tmp")
}
