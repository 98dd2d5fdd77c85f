package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

var (
	ErrAlreadyRegistered = errors.New("registry: component already registered")
	ErrNotFound          = errors.New("registry: component not found")
	ErrInvalidEntry      = errors.New("registry: invalid entry")
)

// Registry is the directory of running components.
type Registry interface {
	Register(ctx context.Context, e api.Entry) error
	FindByID(ctx context.Context, id string) (api.Entry, error)
	FindAllByCategory(ctx context.Context, category api.Category) ([]api.Entry, error)
	UpdateState(ctx context.Context, e api.Entry, state api.State) error
}

// Store is a SQLite-backed registry.
type Store struct{ db *sql.DB }

var _ Registry = (*Store)(nil)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (or creates) the registry database at path. Use ":memory:" for a
// process-local registry.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Register adds e; an id may be registered once per run.
func (s *Store) Register(ctx context.Context, e api.Entry) error {
	if e.ID == "" || e.Category == "" {
		return fmt.Errorf("%w: id and category are required", ErrInvalidEntry)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM components WHERE id = ?`, e.ID).Scan(&n); err != nil {
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO components (id, category, name, ep_in, ep_out, status, state, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM components))`,
		e.ID, string(e.Category), e.Name, e.Endpoint.In, e.Endpoint.Out, string(e.Status), string(e.State)); err != nil {
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	log.Debug().Str("id", e.ID).Str("category", string(e.Category)).Str("state", string(e.State)).Msg("component registered")
	return nil
}

// FindByID returns the entry registered under id.
func (s *Store) FindByID(ctx context.Context, id string) (api.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, name, ep_in, ep_out, status, state FROM components WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// FindAllByCategory returns entries of category in registration order.
func (s *Store) FindAllByCategory(ctx context.Context, category api.Category) ([]api.Entry, error) {
	return s.query(ctx,
		`SELECT id, category, name, ep_in, ep_out, status, state FROM components
		 WHERE category = ? ORDER BY seq`, string(category))
}

// List returns every entry in registration order.
func (s *Store) List(ctx context.Context) ([]api.Entry, error) {
	return s.query(ctx,
		`SELECT id, category, name, ep_in, ep_out, status, state FROM components ORDER BY seq`)
}

// UpdateState sets the lifecycle state of e.
func (s *Store) UpdateState(ctx context.Context, e api.Entry, state api.State) error {
	return s.update(ctx, e.ID, "state", string(state))
}

// UpdateStatus sets the liveness of e.
func (s *Store) UpdateStatus(ctx context.Context, e api.Entry, status api.Status) error {
	return s.update(ctx, e.ID, "status", string(status))
}

func (s *Store) update(ctx context.Context, id, column, value string) error {
	// column is one of two constants above, never caller input
	res, err := s.db.ExecContext(ctx, `UPDATE components SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", column, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]api.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanEntry(sc scanner) (api.Entry, error) {
	var e api.Entry
	var category, status, state string
	if err := sc.Scan(&e.ID, &category, &e.Name, &e.Endpoint.In, &e.Endpoint.Out, &status, &state); err != nil {
		return api.Entry{}, err
	}
	e.Category = api.Category(category)
	e.Status = api.Status(status)
	e.State = api.State(state)
	return e, nil
}
