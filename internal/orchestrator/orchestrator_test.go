package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/benchmark"
	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/nodestore"
)

type fakeDNS struct {
	calls []string
	fail  bool
}

func (f *fakeDNS) EnsureNodeRecords(_ context.Context, hostname, ipv6, ipv4 string) error {
	if f.fail {
		return errors.New("provider down")
	}
	f.calls = append(f.calls, hostname)
	return nil
}

type fakeBench struct {
	score float64
	runs  int
}

func (f *fakeBench) Run(context.Context, string) benchmark.Result {
	f.runs++
	return benchmark.Result{Composite: f.score, Fetch: f.score, Passed: f.score >= benchmark.PassThreshold}
}

type fixture struct {
	orch  *Orchestrator
	store *nodestore.Store
	dns   *fakeDNS
	bench *fakeBench
}

func newFixture(t *testing.T, localMode bool, score float64) *fixture {
	t.Helper()
	st, err := nodestore.Open(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.NodeConfig{
		Zone:               "example.net",
		Subdomain:          "consensus",
		JoinTTL:            config.Duration{Duration: 5 * time.Minute},
		AdmissionBase:      100,
		AdmissionIncrement: 50,
		AdmissionMax:       1000,
		JoinScoreThreshold: 60,
		PassScoreThreshold: 80,
	}
	dns := &fakeDNS{}
	bench := &fakeBench{score: score}
	orch := New(cfg, localMode, st, dns, bench, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return &fixture{orch: orch, store: st, dns: dns, bench: bench}
}

func ed25519JoinKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), priv
}

func validJoin(pemText string) JoinSubmission {
	return JoinSubmission{
		PubkeyPEM:     pemText,
		Alg:           "ed25519",
		IPv6:          "2001:db8::10",
		Port:          8443,
		TestEndpoint:  "https://probe.example.org",
		Contact:       "ops@example.org",
		EVMAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		SolanaAddress: "EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG",
		Region:        "eu-west",
	}
}

func TestAdmissionPrice_ScalesAndCaps(t *testing.T) {
	f := newFixture(t, true, 90)
	ctx := context.Background()

	price, err := f.orch.AdmissionPrice(ctx)
	if err != nil {
		t.Fatalf("AdmissionPrice: %v", err)
	}
	if price != "100" {
		t.Errorf("empty network price = %s, want 100", price)
	}

	for i := 0; i < 3; i++ {
		n := nodestore.Node{ID: randomHex(6), PublicKeyDER: []byte{1}, Alg: nodestore.AlgEd25519,
			IPv6: "2001:db8::" + randomHex(2), Status: nodestore.StatusActive}
		if err := f.store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	price, _ = f.orch.AdmissionPrice(ctx)
	if price != "250" {
		t.Errorf("price with 3 active = %s, want 250", price)
	}

	for i := 0; i < 30; i++ {
		n := nodestore.Node{ID: randomHex(6), PublicKeyDER: []byte{1}, Alg: nodestore.AlgEd25519,
			IPv6: "2001:db8:1::" + randomHex(3), Status: nodestore.StatusActive}
		if err := f.store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	price, _ = f.orch.AdmissionPrice(ctx)
	if price != "1000" {
		t.Errorf("price with 33 active = %s, want capped at 1000", price)
	}
}

func TestJoin_AdmitsAndProvisionsDNS(t *testing.T) {
	f := newFixture(t, false, 85)
	pemText, _ := ed25519JoinKey(t)

	node, err := f.orch.Join(context.Background(), validJoin(pemText))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	if !regexp.MustCompile(`^[0-9a-f]{12}$`).MatchString(node.ID) {
		t.Errorf("node id = %q, want 6 random bytes hex", node.ID)
	}
	if node.Domain != node.ID+".consensus.example.net" {
		t.Errorf("domain = %s", node.Domain)
	}
	if node.Status != nodestore.StatusActive || node.BenchmarkScore != 85 {
		t.Errorf("node = %+v", node)
	}
	if len(f.dns.calls) != 1 || f.dns.calls[0] != node.ID+".consensus" {
		t.Errorf("dns calls = %v", f.dns.calls)
	}

	stored, err := f.store.GetNode(context.Background(), node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if stored.Domain != node.Domain {
		t.Errorf("stored domain = %s", stored.Domain)
	}
}

func TestJoin_LocalModeSkipsDNS(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)

	node, err := f.orch.Join(context.Background(), validJoin(pemText))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if node.Domain != "localhost" || node.TLSMode != "off" {
		t.Errorf("local node = %+v", node)
	}
	if len(f.dns.calls) != 0 {
		t.Errorf("dns should not be called in local mode")
	}
}

func TestJoin_DuplicateIPv6(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)
	ctx := context.Background()

	if _, err := f.orch.Join(ctx, validJoin(pemText)); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if _, err := f.orch.Join(ctx, validJoin(pemText)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Join err = %v, want ErrDuplicate", err)
	}
}

func TestJoin_BenchmarkBelowThreshold(t *testing.T) {
	f := newFixture(t, true, 45)
	pemText, _ := ed25519JoinKey(t)

	_, err := f.orch.Join(context.Background(), validJoin(pemText))
	var perfErr *PerformanceError
	if !errors.As(err, &perfErr) {
		t.Fatalf("err = %v, want PerformanceError", err)
	}
	if perfErr.Result.Composite != 45 {
		t.Errorf("result = %+v", perfErr.Result)
	}

	nodes, _ := f.store.ListNodes(context.Background(), "")
	if len(nodes) != 0 {
		t.Error("rejected candidate must not be stored")
	}
}

func TestJoin_DNSFailureAbortsWithoutCommit(t *testing.T) {
	f := newFixture(t, false, 85)
	f.dns.fail = true
	pemText, _ := ed25519JoinKey(t)

	_, err := f.orch.Join(context.Background(), validJoin(pemText))
	if !errors.Is(err, ErrDNSProvision) {
		t.Fatalf("err = %v, want ErrDNSProvision", err)
	}
	nodes, _ := f.store.ListNodes(context.Background(), "")
	if len(nodes) != 0 {
		t.Error("dns failure must not leave a stored node")
	}
}

func TestJoin_ValidationFailures(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)

	cases := map[string]func(*JoinSubmission){
		"missing ipv6":  func(j *JoinSubmission) { j.IPv6 = "" },
		"bad port":      func(j *JoinSubmission) { j.Port = 0 },
		"bad endpoint":  func(j *JoinSubmission) { j.TestEndpoint = "ftp://nope" },
		"bad evm":       func(j *JoinSubmission) { j.EVMAddress = "0x123" },
		"bad solana":    func(j *JoinSubmission) { j.SolanaAddress = "short" },
		"bad key":       func(j *JoinSubmission) { j.PubkeyPEM = "garbage" },
		"bad algorithm": func(j *JoinSubmission) { j.Alg = "rsa" },
	}
	for name, mutate := range cases {
		req := validJoin(pemText)
		mutate(&req)
		if _, err := f.orch.Join(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}
	if f.bench.runs != 0 {
		t.Errorf("benchmark ran %d times on invalid requests", f.bench.runs)
	}
}

func TestChallengeFlow_SignedVerifyAdmits(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, priv := ed25519JoinKey(t)
	ctx := context.Background()

	ch, err := f.orch.CreateChallenge(ctx, pemText, "ed25519")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(ch.JoinID) {
		t.Errorf("join id = %q", ch.JoinID)
	}

	nonce, err := base64.StdEncoding.DecodeString(ch.Nonce)
	if err != nil || len(nonce) != 32 {
		t.Fatalf("nonce = %q err = %v", ch.Nonce, err)
	}

	sub := VerifySubmission{
		Signature:     base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce)),
		IPv6:          "2001:db8::77",
		Port:          9000,
		TestEndpoint:  "https://probe.example.org",
		EVMAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		SolanaAddress: "EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG",
	}
	node, err := f.orch.VerifyChallenge(ctx, ch.JoinID, sub)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if node.Status != nodestore.StatusActive {
		t.Errorf("node = %+v", node)
	}

	// The join is consumed: a replay is rejected.
	if _, err := f.orch.VerifyChallenge(ctx, ch.JoinID, sub); !errors.Is(err, nodestore.ErrJoinConsumed) {
		t.Errorf("replay err = %v, want ErrJoinConsumed", err)
	}
}

func TestVerifyChallenge_BadSignature(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)
	_, otherPriv := ed25519JoinKey(t)
	ctx := context.Background()

	ch, err := f.orch.CreateChallenge(ctx, pemText, "ed25519")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	nonce, _ := base64.StdEncoding.DecodeString(ch.Nonce)

	sub := VerifySubmission{
		Signature:     base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, nonce)),
		IPv6:          "2001:db8::78",
		Port:          9000,
		TestEndpoint:  "https://probe.example.org",
		EVMAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		SolanaAddress: "EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG",
	}
	if _, err := f.orch.VerifyChallenge(ctx, ch.JoinID, sub); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// A failed signature must not consume the join.
	j, err := f.store.GetJoin(ctx, ch.JoinID)
	if err != nil || j.ConsumedAt != nil {
		t.Errorf("join after bad signature: %+v err = %v", j, err)
	}
}

func TestVerifyChallenge_UnknownAndExpired(t *testing.T) {
	f := newFixture(t, true, 85)
	ctx := context.Background()

	if _, err := f.orch.VerifyChallenge(ctx, "deadbeefdeadbeef", VerifySubmission{}); !errors.Is(err, nodestore.ErrNotFound) {
		t.Errorf("unknown join err = %v, want ErrNotFound", err)
	}

	// Plant an already-expired join.
	pemText, priv := ed25519JoinKey(t)
	der, _ := pemToDER(pemText)
	nonce := make([]byte, 32)
	expired := nodestore.JoinRequest{
		JoinID:       "aaaabbbbccccdddd",
		PublicKeyDER: der,
		Alg:          nodestore.AlgEd25519,
		Nonce:        nonce,
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	if err := f.store.CreateJoinRequest(ctx, expired); err != nil {
		t.Fatalf("CreateJoinRequest: %v", err)
	}
	sub := VerifySubmission{Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce))}
	if _, err := f.orch.VerifyChallenge(ctx, expired.JoinID, sub); !errors.Is(err, ErrJoinExpired) {
		t.Errorf("expired join err = %v, want ErrJoinExpired", err)
	}
}

func pemToDER(pemText string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("bad pem")
	}
	return block.Bytes, nil
}

func TestHeartbeat_NoRequiredManifest(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)
	ctx := context.Background()

	node, err := f.orch.Join(ctx, validJoin(pemText))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	update, err := f.orch.Heartbeat(ctx, node.ID, HeartbeatReport{RPS: 10, P95Ms: 30, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if update != nil {
		t.Errorf("update = %+v, want nil without a required manifest", update)
	}

	stored, _ := f.store.GetNode(ctx, node.ID)
	if stored.LastHeartbeat == nil || stored.LastHeartbeat.RPS != 10 {
		t.Errorf("heartbeat not recorded: %+v", stored.LastHeartbeat)
	}
}

func TestHeartbeat_StaleVersionFlagsUpdate(t *testing.T) {
	f := newFixture(t, true, 85)
	pemText, _ := ed25519JoinKey(t)
	ctx := context.Background()

	node, err := f.orch.Join(ctx, validJoin(pemText))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := f.store.UpdateNodeVerification(ctx, node.ID, "2.0.0", "sha256:x"); err != nil {
		t.Fatalf("UpdateNodeVerification: %v", err)
	}
	if err := f.store.UpsertManifest(ctx, nodestore.VersionManifest{
		Version: "2.0.0", Body: []byte(`{"version":"2.0.0"}`), ReleasedAt: time.Now(),
		ReleaseURL: "https://github.com/consensusnet/node/releases/v2.0.0",
		Required:   true, Signature: "sig",
	}); err != nil {
		t.Fatalf("UpsertManifest: %v", err)
	}

	update, err := f.orch.Heartbeat(ctx, node.ID, HeartbeatReport{Version: "1.9.0"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if update == nil || update.Version != "2.0.0" || update.GithubReleaseURL == "" {
		t.Fatalf("update = %+v", update)
	}

	stored, _ := f.store.GetNode(ctx, node.ID)
	if stored.Verified {
		t.Error("stale node must lose its verified flag")
	}

	// Matching version reports nothing.
	update, err = f.orch.Heartbeat(ctx, node.ID, HeartbeatReport{Version: "2.0.0"})
	if err != nil || update != nil {
		t.Errorf("matching version: update = %+v err = %v", update, err)
	}
}

func TestHeartbeat_UnknownNode(t *testing.T) {
	f := newFixture(t, true, 85)
	if _, err := f.orch.Heartbeat(context.Background(), "nope", HeartbeatReport{}); !errors.Is(err, nodestore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
