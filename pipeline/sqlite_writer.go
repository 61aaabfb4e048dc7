package pipeline

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-actors/models"

	_ "modernc.org/sqlite"
)

const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS records (
	"position" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"slug" TEXT NOT NULL UNIQUE,
	"title" TEXT,
	"description" TEXT,
	"author" TEXT,
	"users" INTEGER,
	"rating" REAL,
	"url" TEXT
);`

// First write wins here too: a slug already in the table is left alone.
const insertRecordSQL = `
INSERT INTO records (slug, title, description, author, users, rating, url)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slug) DO NOTHING;`

// SQLiteWriter stores records in a SQLite table. Unknown counts and ratings
// are stored as NULL.
type SQLiteWriter struct {
	db       *sql.DB
	filename string
	mu       sync.Mutex
}

// NewSQLiteWriter opens (or creates) the database and its records table.
func NewSQLiteWriter(filename string) (*SQLiteWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(createRecordsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	return &SQLiteWriter{db: db, filename: filename}, nil
}

// Write inserts records in one transaction.
func (sw *SQLiteWriter) Write(records []models.Record) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	tx, err := sw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertRecordSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare sqlite insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.Exec(r.Identifier, r.Title, r.Description, r.Author, nullCount(r.Users), nullRating(r.Rating), r.URL); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert sqlite record %s: %w", r.Identifier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.db.Close()
}

// Validate ensures the table holds at least one record.
func (sw *SQLiteWriter) Validate() error {
	db, err := sql.Open("sqlite", sw.filename)
	if err != nil {
		return fmt.Errorf("open sqlite database: %w", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return fmt.Errorf("count sqlite records: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("sqlite records table is empty")
	}
	return nil
}

// ReadSQLite returns the stored records in insertion order.
func ReadSQLite(filename string) ([]models.Record, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT slug, title, description, author, users, rating, url FROM records ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query sqlite records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var (
			r      models.Record
			users  sql.NullInt64
			rating sql.NullFloat64
		)
		if err := rows.Scan(&r.Identifier, &r.Title, &r.Description, &r.Author, &users, &rating, &r.URL); err != nil {
			return nil, fmt.Errorf("scan sqlite record: %w", err)
		}
		if users.Valid {
			r.Users = models.KnownCount(users.Int64)
		}
		if rating.Valid {
			r.Rating = models.KnownRating(rating.Float64)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite records: %w", err)
	}
	return out, nil
}

func nullCount(c models.Count) sql.NullInt64 {
	return sql.NullInt64{Int64: c.Value, Valid: c.Known}
}

func nullRating(r models.Rating) sql.NullFloat64 {
	return sql.NullFloat64{Float64: r.Value, Valid: r.Known}
}
