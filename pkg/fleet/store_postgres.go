// PostgreSQL-backed durable store for multi-controller fleet deployments.
//
// PostgresStore implements Store with PostgreSQL, adding advisory locks for
// cross-process coordination (scheduler job dispatch, etc.) that the
// single-process SQLiteStore cannot provide.
//
// Requires PostgreSQL 12+.
package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `json:"host"     env:"FLEETWARDEN_PG_HOST"`
	Port     int    `json:"port"     env:"FLEETWARDEN_PG_PORT"`
	User     string `json:"user"     env:"FLEETWARDEN_PG_USER"`
	Password string `json:"password" env:"FLEETWARDEN_PG_PASSWORD"`
	Database string `json:"database" env:"FLEETWARDEN_PG_DATABASE"`
	SSLMode  string `json:"ssl_mode" env:"FLEETWARDEN_PG_SSLMODE"`
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens a PostgreSQL-backed fleet store and runs migrations.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			labels JSONB NOT NULL DEFAULT '{}',
			groups_list JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'offline',
			shells JSONB NOT NULL DEFAULT '[]',
			resources JSONB NOT NULL DEFAULT '{}',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			version TEXT NOT NULL DEFAULT '',
			tunnel_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) RegisterNode(_ context.Context, node *Node) error {
	labelsJSON, _ := json.Marshal(node.Labels)
	groupsJSON, _ := json.Marshal(node.Groups)
	shellsJSON, _ := json.Marshal(node.Shells)
	resJSON, _ := json.Marshal(node.Resources)

	_, err := s.db.Exec(`
		INSERT INTO nodes (id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			hostname=excluded.hostname, address=excluded.address, labels=excluded.labels,
			groups_list=excluded.groups_list, status=excluded.status, shells=excluded.shells,
			resources=excluded.resources, last_seen=excluded.last_seen, version=excluded.version,
			tunnel_id=excluded.tunnel_id
	`, string(node.ID), node.Hostname, node.Address, string(labelsJSON), string(groupsJSON),
		string(node.Status), string(shellsJSON), string(resJSON),
		node.LastSeen.UTC(), node.RegisteredAt.UTC(), node.Version, node.TunnelID)
	return err
}

func (s *PostgresStore) DeregisterNode(_ context.Context, id NodeID) error {
	res, err := s.db.Exec("DELETE FROM nodes WHERE id = $1", string(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateNodeStatus(_ context.Context, id NodeID, status NodeStatus) error {
	res, err := s.db.Exec("UPDATE nodes SET status = $1 WHERE id = $2", string(status), string(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateNodeHeartbeat(_ context.Context, id NodeID, resources NodeResources) error {
	resJSON, _ := json.Marshal(resources)
	res, err := s.db.Exec("UPDATE nodes SET last_seen = $1, resources = $2 WHERE id = $3",
		time.Now().UTC(), string(resJSON), string(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *PostgresStore) GetNode(_ context.Context, id NodeID) (*Node, error) {
	row := s.db.QueryRow(`SELECT id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id FROM nodes WHERE id = $1`, string(id))
	return scanNode(row)
}

func (s *PostgresStore) ListNodes(_ context.Context) ([]*Node, error) {
	rows, err := s.db.Query(`SELECT id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) ListNodesByGroup(ctx context.Context, group GroupName) ([]*Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, n := range nodes {
		if containsGroup(n.Groups, group) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListNodesByLabels(ctx context.Context, labels map[string]string) ([]*Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, n := range nodes {
		if matchLabels(n.Labels, labels) {
			out = append(out, n)
		}
	}
	return out, nil
}

// AcquireLock uses a PostgreSQL advisory lock keyed by the FNV-1a hash of
// key, giving genuine cross-process mutual exclusion (unlike the SQLite and
// memory stores' process-local approximations).
func (s *PostgresStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	h := fnv.New64a()
	h.Write([]byte(key))
	lockID := int64(h.Sum64())

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("lock %s: %w", key, ErrLockHeld)
	}

	return &postgresLock{conn: conn, lockID: lockID}, nil
}

type postgresLock struct {
	conn   *sql.Conn
	lockID int64
}

func (l *postgresLock) Unlock(ctx context.Context) error {
	defer l.conn.Close()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// Extend is a no-op: a held PostgreSQL session-level advisory lock does not
// expire on its own, so there is nothing to renew short of the connection
// closing.
func (l *postgresLock) Extend(_ context.Context, _ time.Duration) error { return nil }
