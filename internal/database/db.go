package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	// Filter and sort SQL files
	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	// Execute each migration
	for _, filename := range sqlFiles {
		fmt.Printf("Running migration: %s\n", filename)

		filePath := filepath.Join(migrationsDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	fmt.Println("All migrations completed successfully")
	return nil
}

// InsertAuditRecord inserts one audit record
func (db *DB) InsertAuditRecord(record *AuditRecord) error {
	query := `
		INSERT INTO audit_records (
			event_id, connection_id, command, raw, received_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`

	err := db.QueryRow(
		query,
		record.EventID,
		record.ConnectionID,
		record.Command,
		record.Raw,
		record.ReceivedAt,
	).Scan(&record.ID)

	// ON CONFLICT DO NOTHING returns no row for a duplicate event
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}

// GetCommandCounts aggregates audit records per command name
func (db *DB) GetCommandCounts() ([]*CommandCount, error) {
	query := `
		SELECT command, COUNT(*)
		FROM audit_records
		GROUP BY command
		ORDER BY command
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*CommandCount
	for rows.Next() {
		var c CommandCount
		if err := rows.Scan(&c.Command, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

// GetRecentAuditRecords returns the latest limit audit records
func (db *DB) GetRecentAuditRecords(limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, event_id, connection_id, command, raw, received_at, inserted_at
		FROM audit_records
		ORDER BY received_at DESC
		LIMIT $1
	`

	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID,
			&r.EventID,
			&r.ConnectionID,
			&r.Command,
			&r.Raw,
			&r.ReceivedAt,
			&r.InsertedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
