// Package dbsync pushes the orchestrator's authoritative credentials into
// the relational store. A role's stored password can drift from the
// persisted secret across forced-regeneration runs, so the password is
// actively written rather than trusted to match.
package dbsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// pq is imported for quoting helpers; its init registers the
	// postgres driver. mysql is driver registration only.
	"github.com/lib/pq"

	_ "github.com/go-sql-driver/mysql"

	"github.com/systmms/stackup/internal/logging"
)

// Engine selects the relational store flavor.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

var driverMap = map[Engine]string{
	EnginePostgres: "postgres",
	EngineMySQL:    "mysql",
}

// AdminDSN returns the connection string for the local superuser account
// that a fresh package install provides.
func AdminDSN(engine Engine) (string, error) {
	switch engine {
	case EnginePostgres:
		// Peer authentication over the unix socket.
		return "host=/var/run/postgresql user=postgres dbname=postgres sslmode=disable", nil
	case EngineMySQL:
		return "root@unix(/var/run/mysqld/mysqld.sock)/mysql", nil
	default:
		return "", fmt.Errorf("unsupported database engine: %s", engine)
	}
}

// Syncer reconciles roles, databases, and passwords.
type Syncer struct {
	engine  Engine
	db      *sql.DB
	logger  *logging.Logger
	timeout time.Duration
}

// Open connects a Syncer to the engine's local admin endpoint.
func Open(engine Engine, logger *logging.Logger) (*Syncer, error) {
	driver, ok := driverMap[engine]
	if !ok {
		return nil, fmt.Errorf("unsupported database engine: %s", engine)
	}
	dsn, err := AdminDSN(engine)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s admin connection: %w", engine, err)
	}
	return NewSyncerWithDB(db, engine, logger), nil
}

// NewSyncerWithDB wraps an existing connection, for tests.
func NewSyncerWithDB(db *sql.DB, engine Engine, logger *logging.Logger) *Syncer {
	return &Syncer{
		engine:  engine,
		db:      db,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Close releases the underlying connection.
func (s *Syncer) Close() error {
	return s.db.Close()
}

// Ping verifies the admin connection works.
func (s *Syncer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", s.engine, err)
	}
	return nil
}

// EnsureRole creates the application role if missing and synchronizes its
// password either way.
func (s *Syncer) EnsureRole(ctx context.Context, user, password string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.roleExists(ctx, user)
	if err != nil {
		return err
	}

	if !exists {
		s.logger.Debug("Creating database role %s", user)
		if err := s.createRole(ctx, user, password); err != nil {
			return fmt.Errorf("creating role %s: %w", user, err)
		}
		return nil
	}
	return s.SyncPassword(ctx, user, password)
}

// SyncPassword pushes the persisted password into an existing role.
func (s *Syncer) SyncPassword(ctx context.Context, user, password string) error {
	s.logger.Debug("Synchronizing password for role %s (value %s)", user, logging.Secret(password))

	var stmt string
	switch s.engine {
	case EnginePostgres:
		stmt = fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s",
			pq.QuoteIdentifier(user), pq.QuoteLiteral(password))
	case EngineMySQL:
		stmt = fmt.Sprintf("ALTER USER %s@'localhost' IDENTIFIED BY %s",
			mysqlQuoteLiteral(user), mysqlQuoteLiteral(password))
	default:
		return fmt.Errorf("unsupported database engine: %s", s.engine)
	}

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("synchronizing password for %s: %w", user, err)
	}
	return nil
}

// EnsureDatabase creates the application database owned by the given role
// if it does not already exist.
func (s *Syncer) EnsureDatabase(ctx context.Context, name, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch s.engine {
	case EnginePostgres:
		var one int
		err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM pg_database WHERE datname = $1", name).Scan(&one)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking database %s: %w", name, err)
		}
		s.logger.Debug("Creating database %s owned by %s", name, owner)
		// CREATE DATABASE cannot run with bind parameters.
		stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pq.QuoteIdentifier(name), pq.QuoteIdentifier(owner))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating database %s: %w", name, err)
		}
		return nil

	case EngineMySQL:
		stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", mysqlQuoteIdentifier(name))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating database %s: %w", name, err)
		}
		grant := fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO %s@'localhost'",
			mysqlQuoteIdentifier(name), mysqlQuoteLiteral(owner))
		if _, err := s.db.ExecContext(ctx, grant); err != nil {
			return fmt.Errorf("granting %s to %s: %w", name, owner, err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported database engine: %s", s.engine)
	}
}

func (s *Syncer) roleExists(ctx context.Context, user string) (bool, error) {
	var query string
	switch s.engine {
	case EnginePostgres:
		query = "SELECT 1 FROM pg_roles WHERE rolname = $1"
	case EngineMySQL:
		query = "SELECT 1 FROM mysql.user WHERE user = ? AND host = 'localhost'"
	default:
		return false, fmt.Errorf("unsupported database engine: %s", s.engine)
	}

	var one int
	err := s.db.QueryRowContext(ctx, query, user).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking role %s: %w", user, err)
	}
	return true, nil
}

func (s *Syncer) createRole(ctx context.Context, user, password string) error {
	var stmt string
	switch s.engine {
	case EnginePostgres:
		stmt = fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s",
			pq.QuoteIdentifier(user), pq.QuoteLiteral(password))
	case EngineMySQL:
		stmt = fmt.Sprintf("CREATE USER %s@'localhost' IDENTIFIED BY %s",
			mysqlQuoteLiteral(user), mysqlQuoteLiteral(password))
	default:
		return fmt.Errorf("unsupported database engine: %s", s.engine)
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// ConnectionURL builds the application-facing connection URL written into
// the environment artifact and credential report.
func ConnectionURL(engine Engine, user, password, host string, port int, name string) string {
	switch engine {
	case EngineMySQL:
		return fmt.Sprintf("mysql://%s:%s@%s:%d/%s", user, password, host, port, name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", user, password, host, port, name)
	}
}

// DefaultPort returns the engine's conventional TCP port.
func DefaultPort(engine Engine) int {
	if engine == EngineMySQL {
		return 3306
	}
	return 5432
}

func mysqlQuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func mysqlQuoteLiteral(value string) string {
	escaped := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
	).Replace(value)
	return "'" + escaped + "'"
}
