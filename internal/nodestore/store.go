package nodestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
  node_id TEXT PRIMARY KEY,
  public_key BLOB NOT NULL,
  alg TEXT NOT NULL,
  region TEXT NOT NULL DEFAULT '',
  ipv6 TEXT NOT NULL,
  ipv4 TEXT NOT NULL DEFAULT '',
  port INTEGER NOT NULL DEFAULT 0,
  capabilities TEXT NOT NULL DEFAULT '',
  evm_address TEXT NOT NULL DEFAULT '',
  solana_address TEXT NOT NULL DEFAULT '',
  contact TEXT NOT NULL DEFAULT '',
  domain TEXT NOT NULL DEFAULT '',
  tls_mode TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'provisioning',
  verified INTEGER NOT NULL DEFAULT 0,
  software_version TEXT NOT NULL DEFAULT '',
  build_digest TEXT NOT NULL DEFAULT '',
  benchmark_score REAL NOT NULL DEFAULT 0,
  last_verified_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_ipv6 ON nodes(ipv6);

CREATE TABLE IF NOT EXISTS heartbeats (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  node_id TEXT NOT NULL REFERENCES nodes(node_id),
  rps REAL NOT NULL DEFAULT 0,
  p95_ms REAL NOT NULL DEFAULT 0,
  version TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_node_at ON heartbeats(node_id, at DESC);

CREATE TABLE IF NOT EXISTS join_requests (
  join_id TEXT PRIMARY KEY,
  public_key BLOB NOT NULL,
  alg TEXT NOT NULL,
  nonce BLOB NOT NULL,
  expires_at INTEGER NOT NULL,
  consumed_at INTEGER,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS version_manifests (
  version TEXT PRIMARY KEY,
  body BLOB NOT NULL,
  released_at INTEGER NOT NULL,
  release_url TEXT NOT NULL DEFAULT '',
  required INTEGER NOT NULL DEFAULT 0,
  signature TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

// Store is the durable single-process store for nodes, heartbeats, join
// requests and version manifests. Reads never block behind writers (WAL);
// writes are serialized through one mutex, which gives every row effective
// single-writer semantics.
type Store struct {
	db *sql.DB
	mu sync.Mutex // guards all writes
}

// Open opens (and if needed creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("nodestore: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nodestore: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNode inserts or fully replaces a node row.
func (s *Store) UpsertNode(ctx context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO nodes (node_id, public_key, alg, region, ipv6, ipv4, port, capabilities,
                   evm_address, solana_address, contact, domain, tls_mode, status,
                   verified, software_version, build_digest, benchmark_score,
                   last_verified_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
  public_key=excluded.public_key, alg=excluded.alg, region=excluded.region,
  ipv6=excluded.ipv6, ipv4=excluded.ipv4, port=excluded.port,
  capabilities=excluded.capabilities, evm_address=excluded.evm_address,
  solana_address=excluded.solana_address, contact=excluded.contact,
  domain=excluded.domain, tls_mode=excluded.tls_mode, status=excluded.status,
  verified=excluded.verified, software_version=excluded.software_version,
  build_digest=excluded.build_digest, benchmark_score=excluded.benchmark_score,
  last_verified_at=excluded.last_verified_at, updated_at=excluded.updated_at`,
		n.ID, n.PublicKeyDER, string(n.Alg), n.Region, n.IPv6, n.IPv4, n.Port, n.Capabilities,
		n.EVMAddress, n.SolanaAddress, n.Contact, n.Domain, n.TLSMode, string(n.Status),
		boolToInt(n.Verified), n.SoftwareVersion, n.BuildDigest, n.BenchmarkScore,
		timePtrToUnix(n.LastVerifiedAt), n.CreatedAt.Unix(), n.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("nodestore: upsert node %s: %w", n.ID, err)
	}
	return nil
}

const nodeColumns = `node_id, public_key, alg, region, ipv6, ipv4, port, capabilities,
  evm_address, solana_address, contact, domain, tls_mode, status, verified,
  software_version, build_digest, benchmark_score, last_verified_at, created_at, updated_at`

// GetNode returns a node with its latest heartbeat joined in.
func (s *Store) GetNode(ctx context.Context, nodeID string) (Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("nodestore: get node %s: %w", nodeID, err)
	}
	n.LastHeartbeat, err = s.latestHeartbeat(ctx, n.ID)
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

// GetNodeByIPv6 returns a node keyed by its registered address.
func (s *Store) GetNodeByIPv6(ctx context.Context, ipv6 string) (Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE ipv6 = ?`, ipv6)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("nodestore: get node by ipv6: %w", err)
	}
	return n, nil
}

// ListNodes returns all nodes, optionally filtered by status, each with its
// latest heartbeat joined in.
func (s *Store) ListNodes(ctx context.Context, status NodeStatus) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nodestore: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("nodestore: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nodestore: list nodes: %w", err)
	}

	for i := range nodes {
		hb, err := s.latestHeartbeat(ctx, nodes[i].ID)
		if err != nil {
			return nil, err
		}
		nodes[i].LastHeartbeat = hb
	}
	return nodes, nil
}

// SetDomain records the DNS name assigned to a node.
func (s *Store) SetDomain(ctx context.Context, nodeID, domain, tlsMode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET domain = ?, tls_mode = ?, updated_at = ? WHERE node_id = ?`,
		domain, tlsMode, time.Now().Unix(), nodeID)
	if err != nil {
		return fmt.Errorf("nodestore: set domain: %w", err)
	}
	return requireRow(res)
}

// SetStatus transitions a node's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
		string(status), time.Now().Unix(), nodeID)
	if err != nil {
		return fmt.Errorf("nodestore: set status: %w", err)
	}
	return requireRow(res)
}

// InsertHeartbeat appends a heartbeat sample and touches the node row.
func (s *Store) InsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hb.At.IsZero() {
		hb.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("nodestore: begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO heartbeats (node_id, rps, p95_ms, version, at) VALUES (?, ?, ?, ?, ?)`,
		hb.NodeID, hb.RPS, hb.P95Ms, hb.Version, hb.At.Unix()); err != nil {
		return fmt.Errorf("nodestore: insert heartbeat: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET software_version = ?, updated_at = ? WHERE node_id = ?`,
		hb.Version, hb.At.Unix(), hb.NodeID); err != nil {
		return fmt.Errorf("nodestore: touch node: %w", err)
	}

	return tx.Commit()
}

// CreateJoinRequest stores a new challenge.
func (s *Store) CreateJoinRequest(ctx context.Context, j JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_requests (join_id, public_key, alg, nonce, expires_at, consumed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		j.JoinID, j.PublicKeyDER, string(j.Alg), j.Nonce, j.ExpiresAt.Unix(), j.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("nodestore: create join request: %w", err)
	}
	return nil
}

// GetJoin returns a join request by id.
func (s *Store) GetJoin(ctx context.Context, joinID string) (JoinRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT join_id, public_key, alg, nonce, expires_at, consumed_at, created_at
		 FROM join_requests WHERE join_id = ?`, joinID)

	var j JoinRequest
	var alg string
	var expiresAt, createdAt int64
	var consumedAt sql.NullInt64
	err := row.Scan(&j.JoinID, &j.PublicKeyDER, &alg, &j.Nonce, &expiresAt, &consumedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JoinRequest{}, ErrNotFound
		}
		return JoinRequest{}, fmt.Errorf("nodestore: get join %s: %w", joinID, err)
	}
	j.Alg = SigAlg(alg)
	j.ExpiresAt = time.Unix(expiresAt, 0)
	j.CreatedAt = time.Unix(createdAt, 0)
	if consumedAt.Valid {
		t := time.Unix(consumedAt.Int64, 0)
		j.ConsumedAt = &t
	}
	return j, nil
}

// ConsumeJoin marks a join request consumed. Idempotent-once: the guarded
// UPDATE succeeds for exactly one caller.
func (s *Store) ConsumeJoin(ctx context.Context, joinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE join_requests SET consumed_at = ? WHERE join_id = ? AND consumed_at IS NULL`,
		time.Now().Unix(), joinID)
	if err != nil {
		return fmt.Errorf("nodestore: consume join %s: %w", joinID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("nodestore: consume join %s: %w", joinID, err)
	}
	if affected == 0 {
		// Distinguish missing from already consumed.
		if _, getErr := s.GetJoin(ctx, joinID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrJoinConsumed
	}
	return nil
}

// UpdateNodeVerification records a successful integrity attestation.
func (s *Store) UpdateNodeVerification(ctx context.Context, nodeID, version, buildDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET verified = 1, software_version = ?, build_digest = ?,
		 last_verified_at = ?, updated_at = ? WHERE node_id = ?`,
		version, buildDigest, now, now, nodeID)
	if err != nil {
		return fmt.Errorf("nodestore: update verification: %w", err)
	}
	return requireRow(res)
}

// ClearNodeVerification drops a node's verified flag.
func (s *Store) ClearNodeVerification(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET verified = 0, updated_at = ? WHERE node_id = ?`,
		time.Now().Unix(), nodeID)
	if err != nil {
		return fmt.Errorf("nodestore: clear verification: %w", err)
	}
	return requireRow(res)
}

// UpsertManifest stores a release manifest. When m.Required is set, prior
// required flags are cleared in the same transaction so at most one manifest
// is ever required.
func (s *Store) UpsertManifest(ctx context.Context, m VersionManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("nodestore: begin manifest tx: %w", err)
	}
	defer tx.Rollback()

	if m.Required {
		if _, err := tx.ExecContext(ctx, `UPDATE version_manifests SET required = 0 WHERE required = 1`); err != nil {
			return fmt.Errorf("nodestore: clear required flags: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO version_manifests (version, body, released_at, release_url, required, signature, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(version) DO UPDATE SET
  body=excluded.body, released_at=excluded.released_at, release_url=excluded.release_url,
  required=excluded.required, signature=excluded.signature`,
		m.Version, m.Body, m.ReleasedAt.Unix(), m.ReleaseURL, boolToInt(m.Required),
		m.Signature, m.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("nodestore: upsert manifest %s: %w", m.Version, err)
	}

	return tx.Commit()
}

// GetRequiredManifest returns the manifest nodes must run.
func (s *Store) GetRequiredManifest(ctx context.Context) (VersionManifest, error) {
	return s.getManifest(ctx, `SELECT version, body, released_at, release_url, required, signature, created_at
		FROM version_manifests WHERE required = 1`)
}

// GetManifestByVersion returns a specific release manifest.
func (s *Store) GetManifestByVersion(ctx context.Context, version string) (VersionManifest, error) {
	return s.getManifest(ctx, `SELECT version, body, released_at, release_url, required, signature, created_at
		FROM version_manifests WHERE version = ?`, version)
}

func (s *Store) getManifest(ctx context.Context, query string, args ...any) (VersionManifest, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var m VersionManifest
	var releasedAt, createdAt int64
	var required int
	err := row.Scan(&m.Version, &m.Body, &releasedAt, &m.ReleaseURL, &required, &m.Signature, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionManifest{}, ErrNotFound
		}
		return VersionManifest{}, fmt.Errorf("nodestore: get manifest: %w", err)
	}
	m.ReleasedAt = time.Unix(releasedAt, 0)
	m.CreatedAt = time.Unix(createdAt, 0)
	m.Required = required == 1
	return m, nil
}

// CountNodes returns the number of nodes in the given status.
func (s *Store) CountNodes(ctx context.Context, status NodeStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("nodestore: count nodes: %w", err)
	}
	return count, nil
}

func (s *Store) latestHeartbeat(ctx context.Context, nodeID string) (*Heartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, rps, p95_ms, version, at FROM heartbeats
		 WHERE node_id = ? ORDER BY at DESC, id DESC LIMIT 1`, nodeID)

	var hb Heartbeat
	var at int64
	err := row.Scan(&hb.NodeID, &hb.RPS, &hb.P95Ms, &hb.Version, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nodestore: latest heartbeat: %w", err)
	}
	hb.At = time.Unix(at, 0)
	return &hb, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var n Node
	var alg, status string
	var verified int
	var lastVerified sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&n.ID, &n.PublicKeyDER, &alg, &n.Region, &n.IPv6, &n.IPv4, &n.Port,
		&n.Capabilities, &n.EVMAddress, &n.SolanaAddress, &n.Contact, &n.Domain,
		&n.TLSMode, &status, &verified, &n.SoftwareVersion, &n.BuildDigest,
		&n.BenchmarkScore, &lastVerified, &createdAt, &updatedAt)
	if err != nil {
		return Node{}, err
	}

	n.Alg = SigAlg(alg)
	n.Status = NodeStatus(status)
	n.Verified = verified == 1
	n.CreatedAt = time.Unix(createdAt, 0)
	n.UpdatedAt = time.Unix(updatedAt, 0)
	if lastVerified.Valid {
		t := time.Unix(lastVerified.Int64, 0)
		n.LastVerifiedAt = &t
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
