package metrics

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// StoreFile is the metric database file name inside a run directory.
const StoreFile = "metrics.db"

const schema = `CREATE TABLE IF NOT EXISTS metrics (
	epoch INTEGER NOT NULL,
	step  INTEGER NOT NULL,
	name  TEXT    NOT NULL,
	value REAL    NOT NULL
)`

// Point is one stored scalar.
type Point struct {
	Epoch int
	Step  int
	Name  string
	Value float64
}

// Store persists scalar metrics in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open metric store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics table: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert writes all values in a single transaction, in name order.
func (s *Store) Insert(epoch, step int, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO metrics (epoch, step, name, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, name := range names {
		if _, err := stmt.Exec(epoch, step, name, values[name]); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Series returns every point recorded under name, ordered by step.
func (s *Store) Series(name string) ([]Point, error) {
	rows, err := s.db.Query(`SELECT epoch, step, name, value FROM metrics WHERE name = ? ORDER BY step, rowid`, name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Epoch, &p.Step, &p.Name, &p.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
