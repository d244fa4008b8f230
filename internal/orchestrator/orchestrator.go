// Package orchestrator runs the node lifecycle: paid admission with
// benchmarking and DNS provisioning, the challenge/response join variant,
// heartbeats, integrity attestation and release manifest distribution.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/benchmark"
	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/nodeauth"
	"github.com/consensusnet/gateway/internal/nodestore"
)

// Admission failures. HTTP handlers map these onto the error taxonomy.
var (
	ErrValidation   = errors.New("orchestrator: invalid join request")
	ErrDuplicate    = errors.New("orchestrator: ipv6 already registered")
	ErrJoinExpired  = errors.New("orchestrator: join request expired")
	ErrDNSProvision = errors.New("orchestrator: dns provisioning failed")
)

// PerformanceError carries the benchmark detail for a rejected candidate.
type PerformanceError struct {
	Result benchmark.Result
}

func (e *PerformanceError) Error() string {
	return fmt.Sprintf("orchestrator: benchmark score %.1f below admission threshold %.0f",
		e.Result.Composite, benchmark.JoinThreshold)
}

// JoinSubmission is the single-shot join body.
type JoinSubmission struct {
	PubkeyPEM     string `json:"pubkey_pem"`
	Alg           string `json:"alg"`
	IPv6          string `json:"ipv6"`
	IPv4          string `json:"ipv4,omitempty"`
	Port          int    `json:"port"`
	TestEndpoint  string `json:"test_endpoint"`
	Contact       string `json:"contact"`
	EVMAddress    string `json:"evm_address"`
	SolanaAddress string `json:"solana_address"`
	Region        string `json:"region,omitempty"`
	Capabilities  string `json:"capabilities,omitempty"`
}

// Challenge is the two-phase join handshake material.
type Challenge struct {
	JoinID    string    `json:"join_id"`
	Nonce     string    `json:"nonce"` // base64 of 32 random bytes
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifySubmission completes a two-phase join.
type VerifySubmission struct {
	Signature     string `json:"signature"` // base64, detached over the raw nonce
	IPv6          string `json:"ipv6"`
	IPv4          string `json:"ipv4,omitempty"`
	Port          int    `json:"port"`
	TestEndpoint  string `json:"test_endpoint"`
	Contact       string `json:"contact"`
	EVMAddress    string `json:"evm_address"`
	SolanaAddress string `json:"solana_address"`
	Region        string `json:"region,omitempty"`
	Capabilities  string `json:"capabilities,omitempty"`
}

// HeartbeatReport is the node's periodic load sample.
type HeartbeatReport struct {
	RPS     float64 `json:"rps"`
	P95Ms   float64 `json:"p95_ms"`
	Version string  `json:"version"`
}

// UpdateAvailable tells a stale node where the required release lives.
type UpdateAvailable struct {
	Version          string `json:"version"`
	GithubReleaseURL string `json:"github_release_url,omitempty"`
}

// store is the slice of the node store the orchestrator uses.
type store interface {
	UpsertNode(ctx context.Context, n nodestore.Node) error
	GetNode(ctx context.Context, nodeID string) (nodestore.Node, error)
	GetNodeByIPv6(ctx context.Context, ipv6 string) (nodestore.Node, error)
	ListNodes(ctx context.Context, status nodestore.NodeStatus) ([]nodestore.Node, error)
	CountNodes(ctx context.Context, status nodestore.NodeStatus) (int, error)
	InsertHeartbeat(ctx context.Context, hb nodestore.Heartbeat) error
	CreateJoinRequest(ctx context.Context, j nodestore.JoinRequest) error
	GetJoin(ctx context.Context, joinID string) (nodestore.JoinRequest, error)
	ConsumeJoin(ctx context.Context, joinID string) error
	UpdateNodeVerification(ctx context.Context, nodeID, version, buildDigest string) error
	ClearNodeVerification(ctx context.Context, nodeID string) error
	UpsertManifest(ctx context.Context, m nodestore.VersionManifest) error
	GetRequiredManifest(ctx context.Context) (nodestore.VersionManifest, error)
	GetManifestByVersion(ctx context.Context, version string) (nodestore.VersionManifest, error)
}

// dnsProvisioner writes a node's records into the zone.
type dnsProvisioner interface {
	EnsureNodeRecords(ctx context.Context, hostname, ipv6, ipv4 string) error
}

// benchmarker grades a candidate's test endpoint.
type benchmarker interface {
	Run(ctx context.Context, testEndpoint string) benchmark.Result
}

// Orchestrator drives admissions and the ongoing node lifecycle.
type Orchestrator struct {
	cfg       config.NodeConfig
	localMode bool
	store     store
	dns       dnsProvisioner
	bench     benchmarker
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New builds the orchestrator. dns may be nil only in local mode.
func New(cfg config.NodeConfig, localMode bool, st store, dns dnsProvisioner, bench benchmarker, m *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		localMode: localMode,
		store:     st,
		dns:       dns,
		bench:     bench,
		metrics:   m,
		log:       log,
	}
}

// AdmissionPrice returns the current join price, which scales with the number
// of active nodes up to the configured ceiling.
func (o *Orchestrator) AdmissionPrice(ctx context.Context) (string, error) {
	active, err := o.store.CountNodes(ctx, nodestore.StatusActive)
	if err != nil {
		return "", err
	}
	price := o.cfg.AdmissionBase + float64(active)*o.cfg.AdmissionIncrement
	if price > o.cfg.AdmissionMax {
		price = o.cfg.AdmissionMax
	}
	return strconv.FormatFloat(price, 'f', -1, 64), nil
}

// Join runs the single-shot admission: validate, benchmark, provision DNS,
// persist. Any failing step aborts with nothing committed.
func (o *Orchestrator) Join(ctx context.Context, req JoinSubmission) (nodestore.Node, error) {
	alg := nodestore.SigAlg(strings.ToLower(req.Alg))
	der, err := o.validateJoin(req, alg)
	if err != nil {
		o.metrics.NodeAdmissionsTotal.WithLabelValues("invalid").Inc()
		return nodestore.Node{}, err
	}
	return o.admit(ctx, der, alg, admitParams{
		IPv6:          req.IPv6,
		IPv4:          req.IPv4,
		Port:          req.Port,
		TestEndpoint:  req.TestEndpoint,
		Contact:       req.Contact,
		EVMAddress:    req.EVMAddress,
		SolanaAddress: req.SolanaAddress,
		Region:        req.Region,
		Capabilities:  req.Capabilities,
	})
}

// CreateChallenge opens a two-phase join: store the pubkey with a fresh
// nonce and hand back the join id.
func (o *Orchestrator) CreateChallenge(ctx context.Context, pubkeyPEM, alg string) (Challenge, error) {
	sigAlg := nodestore.SigAlg(strings.ToLower(alg))
	der, err := nodeauth.ParsePublicKeyPEM(pubkeyPEM, sigAlg)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	joinID := randomHex(8)
	nonce := make([]byte, 32)
	rand.Read(nonce)

	j := nodestore.JoinRequest{
		JoinID:       joinID,
		PublicKeyDER: der,
		Alg:          sigAlg,
		Nonce:        nonce,
		ExpiresAt:    time.Now().Add(o.cfg.JoinTTL.Duration),
	}
	if err := o.store.CreateJoinRequest(ctx, j); err != nil {
		return Challenge{}, err
	}

	o.log.Info().Str("join_id", joinID).Str("alg", string(sigAlg)).Msg("join challenge issued")
	return Challenge{
		JoinID:    joinID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		ExpiresAt: j.ExpiresAt,
	}, nil
}

// VerifyChallenge completes a two-phase join: check the detached signature
// over the raw nonce, consume the join exactly once, then run the same
// admission pipeline as the single-shot path.
func (o *Orchestrator) VerifyChallenge(ctx context.Context, joinID string, req VerifySubmission) (nodestore.Node, error) {
	j, err := o.store.GetJoin(ctx, joinID)
	if err != nil {
		return nodestore.Node{}, err
	}
	if j.ConsumedAt != nil {
		return nodestore.Node{}, nodestore.ErrJoinConsumed
	}
	if j.Expired(time.Now()) {
		return nodestore.Node{}, ErrJoinExpired
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nodestore.Node{}, fmt.Errorf("%w: signature is not base64", ErrValidation)
	}
	if err := nodeauth.VerifySignature(j.PublicKeyDER, j.Alg, j.Nonce, sig); err != nil {
		return nodestore.Node{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := o.store.ConsumeJoin(ctx, joinID); err != nil {
		return nodestore.Node{}, err
	}

	if err := o.validateEndpointFields(req.IPv6, req.Port, req.TestEndpoint, req.EVMAddress, req.SolanaAddress); err != nil {
		o.metrics.NodeAdmissionsTotal.WithLabelValues("invalid").Inc()
		return nodestore.Node{}, err
	}

	return o.admit(ctx, j.PublicKeyDER, j.Alg, admitParams{
		IPv6:          req.IPv6,
		IPv4:          req.IPv4,
		Port:          req.Port,
		TestEndpoint:  req.TestEndpoint,
		Contact:       req.Contact,
		EVMAddress:    req.EVMAddress,
		SolanaAddress: req.SolanaAddress,
		Region:        req.Region,
		Capabilities:  req.Capabilities,
	})
}

type admitParams struct {
	IPv6          string
	IPv4          string
	Port          int
	TestEndpoint  string
	Contact       string
	EVMAddress    string
	SolanaAddress string
	Region        string
	Capabilities  string
}

// admit runs the shared admission tail: duplicate check, benchmark, node id
// and domain assignment, DNS, store. Transactional in effect: the node row
// is written last, so no failure leaves a partial registration.
func (o *Orchestrator) admit(ctx context.Context, der []byte, alg nodestore.SigAlg, p admitParams) (nodestore.Node, error) {
	if _, err := o.store.GetNodeByIPv6(ctx, p.IPv6); err == nil {
		o.metrics.NodeAdmissionsTotal.WithLabelValues("duplicate").Inc()
		return nodestore.Node{}, ErrDuplicate
	} else if !errors.Is(err, nodestore.ErrNotFound) {
		return nodestore.Node{}, err
	}

	result := o.bench.Run(ctx, p.TestEndpoint)
	o.metrics.BenchmarkScore.Observe(result.Composite)
	if result.Composite < benchmark.JoinThreshold {
		o.metrics.NodeAdmissionsTotal.WithLabelValues("benchmark_failed").Inc()
		return nodestore.Node{}, &PerformanceError{Result: result}
	}

	nodeID := randomHex(6)
	domain := fmt.Sprintf("%s.%s.%s", nodeID, o.cfg.Subdomain, o.cfg.Zone)
	tlsMode := "full"
	if o.localMode {
		domain = "localhost"
		tlsMode = "off"
	}

	if !o.localMode {
		hostname := fmt.Sprintf("%s.%s", nodeID, o.cfg.Subdomain)
		if err := o.dns.EnsureNodeRecords(ctx, hostname, p.IPv6, p.IPv4); err != nil {
			o.metrics.NodeAdmissionsTotal.WithLabelValues("dns_failed").Inc()
			return nodestore.Node{}, fmt.Errorf("%w: %v", ErrDNSProvision, err)
		}
	}

	node := nodestore.Node{
		ID:             nodeID,
		PublicKeyDER:   der,
		Alg:            alg,
		Region:         p.Region,
		IPv6:           p.IPv6,
		IPv4:           p.IPv4,
		Port:           p.Port,
		Capabilities:   p.Capabilities,
		EVMAddress:     p.EVMAddress,
		SolanaAddress:  p.SolanaAddress,
		Contact:        p.Contact,
		Domain:         domain,
		TLSMode:        tlsMode,
		Status:         nodestore.StatusActive,
		BenchmarkScore: result.Composite,
	}
	if err := o.store.UpsertNode(ctx, node); err != nil {
		return nodestore.Node{}, err
	}

	o.metrics.NodeAdmissionsTotal.WithLabelValues("admitted").Inc()
	o.refreshActiveGauge(ctx)
	o.log.Info().
		Str("node_id", nodeID).
		Str("domain", domain).
		Float64("score", result.Composite).
		Msg("node admitted")
	return node, nil
}

// Heartbeat records a load sample. When the reported version lags the
// required manifest the node loses its verified flag and gets pointed at the
// release.
func (o *Orchestrator) Heartbeat(ctx context.Context, nodeID string, report HeartbeatReport) (*UpdateAvailable, error) {
	if _, err := o.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	hb := nodestore.Heartbeat{
		NodeID:  nodeID,
		RPS:     report.RPS,
		P95Ms:   report.P95Ms,
		Version: report.Version,
	}
	if err := o.store.InsertHeartbeat(ctx, hb); err != nil {
		return nil, err
	}
	o.metrics.HeartbeatsTotal.Inc()

	required, err := o.store.GetRequiredManifest(ctx)
	if errors.Is(err, nodestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if required.Version == report.Version {
		return nil, nil
	}

	if err := o.store.ClearNodeVerification(ctx, nodeID); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("node_id", nodeID).
		Str("reported", report.Version).
		Str("required", required.Version).
		Msg("node version behind required manifest")
	return &UpdateAvailable{Version: required.Version, GithubReleaseURL: required.ReleaseURL}, nil
}

func (o *Orchestrator) validateJoin(req JoinSubmission, alg nodestore.SigAlg) ([]byte, error) {
	der, err := nodeauth.ParsePublicKeyPEM(req.PubkeyPEM, alg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := o.validateEndpointFields(req.IPv6, req.Port, req.TestEndpoint, req.EVMAddress, req.SolanaAddress); err != nil {
		return nil, err
	}
	return der, nil
}

func (o *Orchestrator) validateEndpointFields(ipv6 string, port int, testEndpoint, evm, sol string) error {
	if strings.TrimSpace(ipv6) == "" {
		return fmt.Errorf("%w: ipv6 is required", ErrValidation)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrValidation, port)
	}
	if !strings.HasPrefix(testEndpoint, "http://") && !strings.HasPrefix(testEndpoint, "https://") {
		return fmt.Errorf("%w: test_endpoint must be an http(s) URL", ErrValidation)
	}
	if err := nodeauth.ValidateEVMAddress(evm); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := nodeauth.ValidateSolanaAddress(sol); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (o *Orchestrator) refreshActiveGauge(ctx context.Context) {
	if count, err := o.store.CountNodes(ctx, nodestore.StatusActive); err == nil {
		o.metrics.NodesActive.Set(float64(count))
	}
}

func randomHex(n int) string {
	raw := make([]byte, n)
	rand.Read(raw)
	return hex.EncodeToString(raw)
}
