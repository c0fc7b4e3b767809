// SQLite-backed durable store for the fleet roster.
//
// SQLiteStore persists node registrations and distributed locks. It's
// suitable for single-controller deployments; for multi-controller HA,
// use PostgresStore instead.
package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex // serializes the in-process lock table
	locks map[string]time.Time
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed fleet store.
// Use ":memory:" for an in-memory database (testing).
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db, locks: make(map[string]time.Time)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			labels TEXT NOT NULL DEFAULT '{}',
			groups_list TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'offline',
			shells TEXT NOT NULL DEFAULT '[]',
			resources TEXT NOT NULL DEFAULT '{}',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version TEXT NOT NULL DEFAULT '',
			tunnel_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
		`CREATE TABLE IF NOT EXISTS locks (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RegisterNode(_ context.Context, node *Node) error {
	labelsJSON, _ := json.Marshal(node.Labels)
	groupsJSON, _ := json.Marshal(node.Groups)
	shellsJSON, _ := json.Marshal(node.Shells)
	resJSON, _ := json.Marshal(node.Resources)

	_, err := s.db.Exec(`
		INSERT INTO nodes (id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname=excluded.hostname, address=excluded.address, labels=excluded.labels,
			groups_list=excluded.groups_list, status=excluded.status, shells=excluded.shells,
			resources=excluded.resources, last_seen=excluded.last_seen, version=excluded.version,
			tunnel_id=excluded.tunnel_id
	`, string(node.ID), node.Hostname, node.Address, string(labelsJSON), string(groupsJSON),
		string(node.Status), string(shellsJSON), string(resJSON),
		node.LastSeen.UTC(), node.RegisteredAt.UTC(), node.Version, node.TunnelID)
	return err
}

func (s *SQLiteStore) DeregisterNode(_ context.Context, id NodeID) error {
	res, err := s.db.Exec("DELETE FROM nodes WHERE id = ?", string(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateNodeStatus(_ context.Context, id NodeID, status NodeStatus) error {
	res, err := s.db.Exec("UPDATE nodes SET status = ? WHERE id = ?", string(status), string(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateNodeHeartbeat(_ context.Context, id NodeID, resources NodeResources) error {
	resJSON, _ := json.Marshal(resources)
	res, err := s.db.Exec("UPDATE nodes SET last_seen = ?, resources = ? WHERE id = ?",
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

func (s *SQLiteStore) GetNode(_ context.Context, id NodeID) (*Node, error) {
	row := s.db.QueryRow(`SELECT id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id FROM nodes WHERE id = ?`, string(id))
	return scanNode(row)
}

func (s *SQLiteStore) ListNodes(_ context.Context) ([]*Node, error) {
	rows, err := s.db.Query(`SELECT id, hostname, address, labels, groups_list, status, shells, resources, last_seen, registered_at, version, tunnel_id FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *SQLiteStore) ListNodesByGroup(ctx context.Context, group GroupName) ([]*Node, error) {
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

func (s *SQLiteStore) ListNodesByLabels(ctx context.Context, labels map[string]string) ([]*Node, error) {
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

// AcquireLock implements process-level locking backed by the locks table,
// sufficient for a single controller process; PostgresStore provides the
// real multi-controller advisory lock.
func (s *SQLiteStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.locks[key]; ok && expiresAt.After(now) {
		return nil, fmt.Errorf("lock %s held until %s: %w", key, expiresAt.Format(time.RFC3339), ErrLockHeld)
	}

	s.db.Exec("DELETE FROM locks WHERE key = ? AND expires_at < ?", key, now.UTC())
	expiresAt := now.Add(ttl)
	if _, err := s.db.Exec(`INSERT INTO locks (key, holder, expires_at) VALUES (?, 'self', ?)
		ON CONFLICT(key) DO UPDATE SET holder='self', expires_at=excluded.expires_at`,
		key, expiresAt.UTC()); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	s.locks[key] = expiresAt
	return &sqliteLock{store: s, key: key}, nil
}

type sqliteLock struct {
	store *SQLiteStore
	key   string
}

func (l *sqliteLock) Unlock(_ context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	delete(l.store.locks, l.key)
	_, err := l.store.db.Exec("DELETE FROM locks WHERE key = ?", l.key)
	return err
}

func (l *sqliteLock) Extend(_ context.Context, ttl time.Duration) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	expiresAt := time.Now().Add(ttl)
	l.store.locks[l.key] = expiresAt
	_, err := l.store.db.Exec("UPDATE locks SET expires_at = ? WHERE key = ?", expiresAt.UTC(), l.key)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	var n Node
	var id, labelsJSON, groupsJSON, shellsJSON, resJSON, statusStr string
	var lastSeen, registeredAt time.Time

	err := row.Scan(&id, &n.Hostname, &n.Address, &labelsJSON, &groupsJSON,
		&statusStr, &shellsJSON, &resJSON, &lastSeen, &registeredAt, &n.Version, &n.TunnelID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}

	n.ID = NodeID(id)
	n.Status = NodeStatus(statusStr)
	n.LastSeen = lastSeen
	n.RegisteredAt = registeredAt
	json.Unmarshal([]byte(labelsJSON), &n.Labels)
	json.Unmarshal([]byte(groupsJSON), &n.Groups)
	json.Unmarshal([]byte(shellsJSON), &n.Shells)
	json.Unmarshal([]byte(resJSON), &n.Resources)

	if n.Labels == nil {
		n.Labels = make(map[string]string)
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
