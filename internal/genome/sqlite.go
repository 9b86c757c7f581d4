package genome

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps genomes in a SQLite database. The CLI writes it; the
// daemon reads it as a Source.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the genome database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS genomes (
  id TEXT PRIMARY KEY,
  base_model TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS genome_layers (
  genome_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  layer_id TEXT NOT NULL,
  weight REAL NOT NULL,
  PRIMARY KEY (genome_id, position),
  UNIQUE (genome_id, layer_id)
);
`)
	return err
}

// Put inserts or replaces g and its layer list atomically.
func (s *SQLiteStore) Put(ctx context.Context, g Genome) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO genomes(id, base_model, updated_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET base_model=excluded.base_model, updated_at=excluded.updated_at;
`, g.ID, g.BaseModel, g.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("upsert genome: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM genome_layers WHERE genome_id=?;", g.ID); err != nil {
		return fmt.Errorf("clear layers: %w", err)
	}
	for i, l := range g.Layers {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO genome_layers(genome_id, position, layer_id, weight) VALUES(?, ?, ?, ?);",
			g.ID, i, l.LayerID, l.Weight); err != nil {
			return fmt.Errorf("insert layer %s: %w", l.LayerID, err)
		}
	}
	return tx.Commit()
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM genome_layers WHERE genome_id=?;", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM genomes WHERE id=?;", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Genome, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, base_model, updated_at FROM genomes WHERE id=?;", id)
	var (
		g  Genome
		ts int64
	)
	if err := row.Scan(&g.ID, &g.BaseModel, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Genome{}, NotFound("genome.get", id)
		}
		return Genome{}, err
	}
	g.UpdatedAt = time.Unix(0, ts).UTC()
	layers, err := s.layers(ctx, id)
	if err != nil {
		return Genome{}, err
	}
	g.Layers = layers
	return g, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Genome, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, base_model, updated_at FROM genomes ORDER BY id;")
	if err != nil {
		return nil, err
	}
	var out []Genome
	for rows.Next() {
		var (
			g  Genome
			ts int64
		)
		if err := rows.Scan(&g.ID, &g.BaseModel, &ts); err != nil {
			_ = rows.Close()
			return nil, err
		}
		g.UpdatedAt = time.Unix(0, ts).UTC()
		out = append(out, g)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// One connection: layer queries run after the genome cursor is closed.
	for i := range out {
		layers, err := s.layers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Layers = layers
	}
	return out, nil
}

func (s *SQLiteStore) layers(ctx context.Context, id string) ([]LayerRef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT layer_id, weight FROM genome_layers WHERE genome_id=? ORDER BY position;", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LayerRef
	for rows.Next() {
		var l LayerRef
		if err := rows.Scan(&l.LayerID, &l.Weight); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
