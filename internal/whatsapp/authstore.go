package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultSessionsDir is where sqlite auth files are kept.
	DefaultSessionsDir = "./sessions"

	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

// AuthOptions selects where authentication state lives. With the sqlite
// dialect every account gets its own file under Dir. With postgres every
// account gets its own schema in the database at DSN.
type AuthOptions struct {
	Dialect string
	Dir     string
	DSN     string
	Log     *logrus.Entry
}

// AuthStore keeps the whatsmeow device store of every account.
type AuthStore struct {
	opts       AuthOptions
	log        *logrus.Entry
	mu         sync.Mutex
	containers map[int64]*sqlstore.Container
}

// NewAuthStore creates an auth store.
func NewAuthStore(opts AuthOptions) (*AuthStore, error) {
	switch opts.Dialect {
	case "", "sqlite", dialectSQLite:
		opts.Dialect = dialectSQLite
		if opts.Dir == "" {
			opts.Dir = DefaultSessionsDir
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sessions directory: %w", err)
		}
	case dialectPostgres:
		if opts.DSN == "" {
			return nil, errors.New("auth: postgres dialect requires a dsn")
		}
	default:
		return nil, fmt.Errorf("auth: unsupported dialect %q", opts.Dialect)
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AuthStore{
		opts:       opts,
		log:        opts.Log.WithField("component", "auth"),
		containers: make(map[int64]*sqlstore.Container),
	}, nil
}

// LoadAuthState returns the stored device of an account. An account that
// never paired gets a fresh unsaved device; whatsmeow saves it on pairing.
func (a *AuthStore) LoadAuthState(ctx context.Context, accountID int64) (*store.Device, error) {
	container, err := a.container(ctx, accountID)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}
	return device, nil
}

// SaveAuthState writes the device of an account.
func (a *AuthStore) SaveAuthState(ctx context.Context, accountID int64, device *store.Device) error {
	container, err := a.container(ctx, accountID)
	if err != nil {
		return err
	}
	if err := container.PutDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to store device: %w", err)
	}
	return nil
}

// DeleteAuthState forgets everything stored for an account. Deleting an
// account that has no state is not an error.
func (a *AuthStore) DeleteAuthState(ctx context.Context, accountID int64) error {
	if container := a.take(accountID); container != nil {
		if err := container.Close(); err != nil {
			a.log.Warnf("[%d] Failed to close auth store: %v", accountID, err)
		}
	}

	if a.opts.Dialect == dialectPostgres {
		db, err := sql.Open(dialectPostgres, a.opts.DSN)
		if err != nil {
			return fmt.Errorf("failed to open auth database: %w", err)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schemaName(accountID))); err != nil {
			return fmt.Errorf("failed to drop auth schema: %w", err)
		}
		a.log.Infof("[%d] Auth state deleted", accountID)
		return nil
	}

	base := a.sessionPath(accountID)
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
	}
	a.log.Infof("[%d] Auth state deleted", accountID)
	return nil
}

// Close closes every open device store.
func (a *AuthStore) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for id, c := range a.containers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(a.containers, id)
	}
	return errors.Join(errs...)
}

func (a *AuthStore) container(ctx context.Context, accountID int64) (*sqlstore.Container, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.containers[accountID]; ok {
		return c, nil
	}

	address, err := a.address(ctx, accountID)
	if err != nil {
		return nil, err
	}
	dbLog := NewLogger(a.log.WithField("account", accountID)).Sub("DB")
	c, err := sqlstore.New(ctx, a.opts.Dialect, address, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	a.containers[accountID] = c
	return c, nil
}

func (a *AuthStore) take(accountID int64) *sqlstore.Container {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.containers[accountID]
	delete(a.containers, accountID)
	return c
}

func (a *AuthStore) address(ctx context.Context, accountID int64) (string, error) {
	if a.opts.Dialect != dialectPostgres {
		return fmt.Sprintf("file:%s?_foreign_keys=on", a.sessionPath(accountID)), nil
	}

	schema := schemaName(accountID)
	db, err := sql.Open(dialectPostgres, a.opts.DSN)
	if err != nil {
		return "", fmt.Errorf("failed to open auth database: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return "", fmt.Errorf("failed to create auth schema: %w", err)
	}
	return withSearchPath(a.opts.DSN, schema), nil
}

func (a *AuthStore) sessionPath(accountID int64) string {
	return filepath.Join(a.opts.Dir, fmt.Sprintf("account-%d.db", accountID))
}

func schemaName(accountID int64) string {
	return fmt.Sprintf("wa_account_%d", accountID)
}

// withSearchPath adds a search_path runtime parameter to a lib/pq DSN in
// either URL or keyword form.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema
}
