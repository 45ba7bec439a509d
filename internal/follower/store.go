package follower

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/laurafang/swish/internal/event"
	"github.com/laurafang/swish/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the follower registry database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Follower is one (account, flags) entry under a document.
type Follower struct {
	Account string
	Flags   []event.Class
}

// Authorizes reports whether the follower subscribed to the given class.
func (f Follower) Authorizes(c event.Class) bool {
	return slices.Contains(f.Flags, c)
}

// Store is the durable (document, account) -> flags registry.
//
// One row per pair; Follow replaces flags wholesale, and replacing with the
// empty set deletes the row. Safe for concurrent use: SQLite serializes
// individual statements (MaxOpenConns is pinned to 1), and mu serializes
// the read-modify-write in Unfollow against other mutations.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log logx.Logger
}

// Open opens (and if needed creates) the registry database.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("follower: store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Follow sets the flags the account wants for the document.
//
// Flags are normalized to a canonical sorted set. An empty set deletes the
// record; identical flags are a no-op; anything else inserts or replaces.
// Idempotent under repeated identical calls.
func (s *Store) Follow(ctx context.Context, doc, account string, flags []event.Class) error {
	doc = strings.TrimSpace(doc)
	account = strings.TrimSpace(account)
	if doc == "" || account == "" {
		return errors.New("follower: document and account are required")
	}

	norm, err := normalizeFlags(flags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, doc, account, norm)
}

// writeLocked replaces the stored flags for the pair; the empty set deletes
// the row. Caller holds mu.
func (s *Store) writeLocked(ctx context.Context, doc, account string, norm []event.Class) error {
	if len(norm) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM follower WHERE doc_id = ? AND account_id = ?`, doc, account)
		if err != nil {
			return fmt.Errorf("follower: delete: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follower(doc_id, account_id, flags, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(doc_id, account_id) DO UPDATE SET flags=excluded.flags, updated_at=excluded.updated_at`,
		doc, account, encodeFlags(norm), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("follower: upsert: %w", err)
	}
	return nil
}

// Unfollow removes the given flags from the account's subscription on the
// document, deleting the record if nothing remains. A no-op if the account
// was not following.
//
// The lookup and the rewrite happen under one lock, so concurrent Unfollow
// calls for different flags both take effect.
func (s *Store) Unfollow(ctx context.Context, doc, account string, flags []event.Class) error {
	doc = strings.TrimSpace(doc)
	account = strings.TrimSpace(account)
	if doc == "" || account == "" {
		return errors.New("follower: document and account are required")
	}

	drop, err := normalizeFlags(flags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.lookup(ctx, doc, account)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	keep := make([]event.Class, 0, len(cur))
	for _, c := range cur {
		if !slices.Contains(drop, c) {
			keep = append(keep, c)
		}
	}
	return s.writeLocked(ctx, doc, account, keep)
}

// FollowersOf lists the current followers of a document. Ordering is the
// backing index order and carries no meaning.
func (s *Store) FollowersOf(ctx context.Context, doc string) ([]Follower, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, flags FROM follower WHERE doc_id = ?`, doc)
	if err != nil {
		return nil, fmt.Errorf("follower: query: %w", err)
	}
	defer rows.Close()

	var out []Follower
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, fmt.Errorf("follower: scan: %w", err)
		}
		flags, err := decodeFlags(raw)
		if err != nil {
			// A row we cannot interpret must not block the rest of the
			// fan-out; log and keep going.
			s.log.Warn("skipping follower row with bad flags",
				logx.String("doc", doc), logx.String("account", account), logx.Err(err))
			continue
		}
		out = append(out, Follower{Account: account, Flags: flags})
	}
	return out, rows.Err()
}

func (s *Store) lookup(ctx context.Context, doc, account string) ([]event.Class, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT flags FROM follower WHERE doc_id = ? AND account_id = ?`, doc, account).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("follower: lookup: %w", err)
	}
	flags, err := decodeFlags(raw)
	if err != nil {
		return nil, false, err
	}
	return flags, true, nil
}

func normalizeFlags(flags []event.Class) ([]event.Class, error) {
	out := make([]event.Class, 0, len(flags))
	for _, c := range flags {
		v, err := event.ParseClass(string(c))
		if err != nil {
			return nil, fmt.Errorf("follower: %w", err)
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out, nil
}

func encodeFlags(flags []event.Class) string {
	parts := make([]string, len(flags))
	for i, c := range flags {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeFlags(raw string) ([]event.Class, error) {
	parts := strings.Split(raw, ",")
	out := make([]event.Class, 0, len(parts))
	for _, p := range parts {
		c, err := event.ParseClass(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
