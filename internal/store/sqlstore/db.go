// Package sqlstore implements the store interfaces on database/sql for
// Postgres (pgx) and SQLite (modernc). Queries are written with $N
// placeholders and rebound for SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to the configured backend. SQLite files get WAL mode,
// a busy timeout and foreign keys.
func Open(cfg store.StoreConfig) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		if cfg.DSN == "" {
			return nil, errors.New("postgres DSN is empty")
		}
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &DB{DB: db, driver: DriverPostgres}, nil

	case DriverSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		// a single writer avoids SQLITE_BUSY under concurrent inserts
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return &DB{DB: db, driver: DriverSQLite}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "convoflow.db"
	}
	if strings.Contains(path, "?") || strings.HasPrefix(path, "file:") {
		return path
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Driver returns DriverPostgres or DriverSQLite.
func (db *DB) Driver() string { return db.driver }

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to ?N for SQLite.
func (db *DB) rebind(query string) string {
	if db.driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.rebind(query), args...)
}

// NewStores builds every repository on db.
func NewStores(db *DB) *store.Stores {
	return &store.Stores{
		Channels:      &ChannelStore{db: db},
		Conversations: &ConversationStore{db: db},
		Messages:      &MessageStore{db: db},
		Contacts:      &ContactStore{db: db},
		Agents:        &AgentStore{db: db},
		Intentions:    &IntentionStore{db: db},
	}
}

// ---- helpers ----

func stamp(b *store.BaseModel) time.Time {
	if b.ID == uuid.Nil {
		b.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	return now
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// jsonOrNil encodes v, mapping empty values to SQL NULL.
func jsonOrNil(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return string(x), nil
	case []byte:
		if len(x) == 0 {
			return nil, nil
		}
		return string(x), nil
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case *store.WorkflowState:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonText scans a nullable JSON column as text or bytes.
type jsonText []byte

func (j *jsonText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	return nil
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// nullableUUID maps uuid.Nil and nil pointers to SQL NULL.
func nullableUUID(v any) any {
	switch id := v.(type) {
	case uuid.UUID:
		if id == uuid.Nil {
			return nil
		}
		return id
	case *uuid.UUID:
		if id == nil || *id == uuid.Nil {
			return nil
		}
		return *id
	case nil:
		return nil
	}
	return v
}

// execMapUpdate runs UPDATE table SET col = $n ... WHERE id = $last for the
// allowed columns. encode converts each value for its column.
func execMapUpdate(ctx context.Context, db *DB, table string, id uuid.UUID, updates map[string]any,
	allowed map[string]bool, encode func(col string, v any) (any, error)) error {
	if len(updates) == 0 {
		return nil
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !allowed[col] {
			return fmt.Errorf("%s: unknown column %q", table, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		v, err := encode(col, updates[col])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", table, col, err)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, v)
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(cols)+1))
	args = append(args, time.Now().UTC(), id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
	res, err := db.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// inList returns "$start, $start+1, ..." for n values.
func inList(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
