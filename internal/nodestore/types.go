package nodestore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row is missing from the store.
var ErrNotFound = errors.New("nodestore: not found")

// ErrJoinConsumed is returned when a join request was already consumed.
var ErrJoinConsumed = errors.New("nodestore: join request already consumed")

// NodeStatus is the lifecycle state of a worker node.
type NodeStatus string

const (
	StatusProvisioning NodeStatus = "provisioning"
	StatusActive       NodeStatus = "active"
	StatusInactive     NodeStatus = "inactive"
)

// SigAlg identifies a node's signature algorithm.
type SigAlg string

const (
	AlgSecp256k1 SigAlg = "secp256k1"
	AlgEd25519   SigAlg = "ed25519"
)

// Heartbeat is one reported load sample from a node.
type Heartbeat struct {
	NodeID  string    `json:"node_id"`
	RPS     float64   `json:"rps"`
	P95Ms   float64   `json:"p95_ms"`
	Version string    `json:"version"`
	At      time.Time `json:"at"`
}

// Node is a worker node record. Created at admission; mutated only through
// its owner's signed heartbeats and attestations.
type Node struct {
	ID              string     `json:"node_id"`
	PublicKeyDER    []byte     `json:"-"`
	Alg             SigAlg     `json:"alg"`
	Region          string     `json:"region,omitempty"`
	IPv6            string     `json:"ipv6"`
	IPv4            string     `json:"ipv4,omitempty"`
	Port            int        `json:"port"`
	Capabilities    string     `json:"capabilities,omitempty"` // JSON blob as reported at admission
	EVMAddress      string     `json:"evm_address"`
	SolanaAddress   string     `json:"solana_address"`
	Contact         string     `json:"contact,omitempty"`
	Domain          string     `json:"domain"`
	TLSMode         string     `json:"tls_mode"`
	Status          NodeStatus `json:"status"`
	Verified        bool       `json:"verified"`
	SoftwareVersion string     `json:"software_version,omitempty"`
	BuildDigest     string     `json:"build_digest,omitempty"`
	BenchmarkScore  float64    `json:"benchmark_score"`
	LastVerifiedAt  *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// LastHeartbeat is the latest heartbeat joined in by reads.
	LastHeartbeat *Heartbeat `json:"last_heartbeat,omitempty"`
}

// JoinRequest is a short-lived challenge binding a public key to a nonce.
// Single use: consume is idempotent-once.
type JoinRequest struct {
	JoinID       string
	PublicKeyDER []byte
	Alg          SigAlg
	Nonce        []byte // 32 random bytes
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	CreatedAt    time.Time
}

// Expired reports whether the join window has closed.
func (j *JoinRequest) Expired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// VersionManifest is a stored software release manifest. Body is the
// canonical JSON the release signature covers.
type VersionManifest struct {
	Version    string    `json:"version"`
	Body       []byte    `json:"-"`
	ReleasedAt time.Time `json:"released_at"`
	ReleaseURL string    `json:"release_url,omitempty"`
	Required   bool      `json:"required"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}
