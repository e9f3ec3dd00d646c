// Package index provides a rebuildable, query-friendly secondary index over
// an environment's items and edges, backed by a single SQLite table storing
// one JSON blob per bucket — the same snapshot-the-whole-state shape the
// teacher's persistence layer uses, scaled down to an index that is never
// itself the source of truth: the environment's in-memory maps are. Callers
// rebuild it after a batch of mutations and query it for lookups that would
// otherwise mean scanning every item (find by class, find by frame).
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// ItemRecord is one row of the item index.
type ItemRecord struct {
	ID        string
	Kind      string
	ClassName string
	Label     string
}

// EdgeRecord is one row of an edge table (frame tree, layer DAG, operator
// inputs/outputs, map-to-frame attachment), tagged by which table it came
// from.
type EdgeRecord struct {
	Table  string
	Parent string
	Child  string
}

// Index is a SQLite-backed snapshot of item and edge records.
type Index struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) a SQLite index file at path. An empty path
// opens an in-memory database, useful for tests.
func Open(path string) (*Index, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS buckets (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets table: %w", err)
	}
	return &Index{db: db, path: path}, nil
}

// Close closes the underlying database handle.
func (x *Index) Close() error { return x.db.Close() }

// Rebuild replaces the entire index contents with items and edges in one
// transaction.
func (x *Index) Rebuild(items []ItemRecord, edges []EdgeRecord) error {
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM buckets`); err != nil {
		return fmt.Errorf("clear buckets: %w", err)
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("encode edges: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO buckets (bucket, payload) VALUES ('items', ?), ('edges', ?)`, itemsJSON, edgesJSON); err != nil {
		return fmt.Errorf("write buckets: %w", err)
	}
	return tx.Commit()
}

func (x *Index) loadBucket(name string, out any) error {
	var payload []byte
	err := x.db.QueryRow(`SELECT payload FROM buckets WHERE bucket = ?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bucket %s: %w", name, err)
	}
	return json.Unmarshal(payload, out)
}

// Items returns every indexed item record.
func (x *Index) Items() ([]ItemRecord, error) {
	var items []ItemRecord
	if err := x.loadBucket("items", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Edges returns every indexed edge record.
func (x *Index) Edges() ([]EdgeRecord, error) {
	var edges []EdgeRecord
	if err := x.loadBucket("edges", &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// ByClass returns the ids of every indexed item whose ClassName matches.
func (x *Index) ByClass(class string) ([]string, error) {
	items, err := x.Items()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		if item.ClassName == class {
			out = append(out, item.ID)
		}
	}
	return out, nil
}

// ChildrenOf returns the child ids of parent within a named edge table
// ("frame_tree", "layer_dag", "operator_input", "operator_output",
// "map_frame").
func (x *Index) ChildrenOf(table, parent string) ([]string, error) {
	edges, err := x.Edges()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range edges {
		if e.Table == table && e.Parent == parent {
			out = append(out, e.Child)
		}
	}
	return out, nil
}
