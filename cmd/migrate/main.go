// Command migrate applies the listpilot schema. It runs every .sql file in
// the migrations directory, in name order, each inside its own transaction.
// Files use IF NOT EXISTS guards throughout, so re-running is safe.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the .sql migration files")
	list := flag.Bool("list", false, "list the public tables currently in the database and exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dir migrations] [-list]")
		fmt.Fprintln(os.Stderr, "DATABASE_URL must point at the listpilot database.")
		flag.PrintDefaults()
	}
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("[Migrate] DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("[Migrate] connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrate] ping: %v", err)
	}

	if *list {
		if err := listTables(db); err != nil {
			log.Fatalf("[Migrate] list: %v", err)
		}
		return
	}

	applied, failed, err := apply(db, *dir)
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}
	log.Printf("[Migrate] Done: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func apply(db *sql.DB, dir string) (int, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied, failed := 0, 0
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return applied, failed, fmt.Errorf("reading %s: %w", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return applied, failed, fmt.Errorf("beginning transaction for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			failed++
			log.Printf("[Migrate] %s: %v", f, err)
			continue
		}
		if err := tx.Commit(); err != nil {
			return applied, failed, fmt.Errorf("committing %s: %w", f, err)
		}
		applied++
		log.Printf("[Migrate] %s: ok", f)
	}
	return applied, failed, nil
}

func listTables(db *sql.DB) error {
	rows, err := db.Query(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(" ", name)
		n++
	}
	fmt.Printf("%d tables\n", n)
	return rows.Err()
}
