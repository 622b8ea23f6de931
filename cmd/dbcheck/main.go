package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "stuck" {
		olderThan := 15 * time.Minute
		if len(os.Args) > 2 {
			if d, err := time.ParseDuration(os.Args[2]); err == nil {
				olderThan = d
			}
		}
		listStuck(ctx, pool, olderThan)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "orphans" {
		fs := flag.NewFlagSet("orphans", flag.ExitOnError)
		grace := fs.Duration("grace", time.Hour, "skip blobs modified more recently than this")
		fs.Parse(os.Args[2:])
		dryRun := fs.Arg(0) != "apply"
		dir := os.Getenv("AUDIO_DIR")
		if dir == "" {
			dir = "./audio"
		}
		fixOrphanBlobs(ctx, pool, dir, *grace, dryRun)
		return
	}

	// Default: table counts
	tables := []string{
		"projects", "recordings", "analysis_runs",
		"tasks", "materials", "offers",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}

	fmt.Println()
	fmt.Println("── Recordings by status ──")
	rows, err := pool.Query(ctx, `
		SELECT status, count(*), count(*) FILTER (WHERE last_error IS NOT NULL)
		FROM recordings
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var total, withError int64
		rows.Scan(&status, &total, &withError)
		fmt.Printf("  %-12s %6d  (%d with last_error)\n", status, total, withError)
	}
}

// listStuck prints recordings that have been processing longer than
// olderThan. They need POST /recordings/{id}/retry or a fresh upload.
func listStuck(ctx context.Context, pool *pgxpool.Pool, olderThan time.Duration) {
	rows, err := pool.Query(ctx, `
		SELECT id::text, project_id::text, name, attempts, COALESCE(last_error, ''), updated_at
		FROM recordings
		WHERE status = 'processing' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
	`, olderThan.Seconds())
	if err != nil {
		fmt.Printf("Error listing stuck recordings: %v\n", err)
		return
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, project, name, lastErr string
		var attempts int
		var updated time.Time
		if err := rows.Scan(&id, &project, &name, &attempts, &lastErr, &updated); err != nil {
			fmt.Printf("Error scanning row: %v\n", err)
			return
		}
		n++
		fmt.Printf("  %s  project=%s  %q  attempts=%d  idle=%s\n", id, project, name, attempts, time.Since(updated).Round(time.Second))
		if lastErr != "" {
			fmt.Printf("      last_error: %s\n", lastErr)
		}
	}
	fmt.Printf("Found %d recordings processing for more than %s\n", n, olderThan)
}
