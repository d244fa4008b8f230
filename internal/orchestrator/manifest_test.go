package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/consensusnet/gateway/internal/nodestore"
)

// admitEd25519Node joins a node and returns it with the signing key.
func admitEd25519Node(t *testing.T, f *fixture) (nodestore.Node, ed25519.PrivateKey) {
	t.Helper()
	pemText, priv := ed25519JoinKey(t)
	node, err := f.orch.Join(context.Background(), validJoin(pemText))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return node, priv
}

func storeManifestWithAssets(t *testing.T, f *fixture, version, platform, sha string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"version": version,
		"assets":  []map[string]string{{"platform": platform, "sha256": sha}},
	})
	err := f.store.UpsertManifest(context.Background(), nodestore.VersionManifest{
		Version: version, Body: body, ReleasedAt: time.Now(), Signature: "sig",
	})
	if err != nil {
		t.Fatalf("UpsertManifest: %v", err)
	}
}

func signedAttestation(t *testing.T, priv ed25519.PrivateKey, version, platform, digest string) Attestation {
	t.Helper()
	att := Attestation{
		Version:     version,
		Platform:    platform,
		BuildDigest: digest,
		Timestamp:   time.Now().Unix(),
		Nonce:       "client-nonce-1",
	}
	claim, err := canonicalize(map[string]any{
		"build_digest": att.BuildDigest,
		"nonce":        att.Nonce,
		"platform":     att.Platform,
		"timestamp":    att.Timestamp,
		"version":      att.Version,
	})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	att.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, claim))
	return att
}

func TestAttest_MatchingAssetVerifies(t *testing.T) {
	f := newFixture(t, true, 85)
	node, priv := admitEd25519Node(t, f)
	storeManifestWithAssets(t, f, "1.4.0", "linux-amd64", "sha256:abc123")

	att := signedAttestation(t, priv, "1.4.0", "linux-amd64", "sha256:abc123")
	if err := f.orch.Attest(context.Background(), node.ID, att); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	stored, _ := f.store.GetNode(context.Background(), node.ID)
	if !stored.Verified || stored.BuildDigest != "sha256:abc123" || stored.SoftwareVersion != "1.4.0" {
		t.Errorf("node after attest = %+v", stored)
	}
}

func TestAttest_DigestMismatchClearsVerification(t *testing.T) {
	f := newFixture(t, true, 85)
	node, priv := admitEd25519Node(t, f)
	f.store.UpdateNodeVerification(context.Background(), node.ID, "1.4.0", "sha256:abc123")
	storeManifestWithAssets(t, f, "1.4.0", "linux-amd64", "sha256:abc123")

	att := signedAttestation(t, priv, "1.4.0", "linux-amd64", "sha256:tampered")
	err := f.orch.Attest(context.Background(), node.ID, att)
	if !errors.Is(err, ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}

	stored, _ := f.store.GetNode(context.Background(), node.ID)
	if stored.Verified {
		t.Error("digest mismatch must clear verification")
	}
}

func TestAttest_StaleTimestamp(t *testing.T) {
	f := newFixture(t, true, 85)
	node, priv := admitEd25519Node(t, f)

	att := signedAttestation(t, priv, "1.4.0", "linux-amd64", "sha256:abc123")
	att.Timestamp = time.Now().Add(-10 * time.Minute).Unix()
	if err := f.orch.Attest(context.Background(), node.ID, att); !errors.Is(err, ErrAttestationStale) {
		t.Fatalf("err = %v, want ErrAttestationStale", err)
	}
}

func TestAttest_WrongSigner(t *testing.T) {
	f := newFixture(t, true, 85)
	node, _ := admitEd25519Node(t, f)
	_, otherPriv := ed25519JoinKey(t)
	storeManifestWithAssets(t, f, "1.4.0", "linux-amd64", "sha256:abc123")

	att := signedAttestation(t, otherPriv, "1.4.0", "linux-amd64", "sha256:abc123")
	if err := f.orch.Attest(context.Background(), node.ID, att); !errors.Is(err, ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestAttest_UnknownVersion(t *testing.T) {
	f := newFixture(t, true, 85)
	node, priv := admitEd25519Node(t, f)
	f.store.UpdateNodeVerification(context.Background(), node.ID, "0.9.0", "sha256:old")

	att := signedAttestation(t, priv, "9.9.9", "linux-amd64", "sha256:abc123")
	if err := f.orch.Attest(context.Background(), node.ID, att); !errors.Is(err, ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
	stored, _ := f.store.GetNode(context.Background(), node.ID)
	if stored.Verified {
		t.Error("unknown version must clear verification")
	}
}

func signedManifest(t *testing.T, priv ed25519.PrivateKey, version string, extra map[string]any) (json.RawMessage, string) {
	t.Helper()
	manifest := map[string]any{
		"version":            version,
		"github_release_url": "https://github.com/consensusnet/node/releases/" + version,
		"assets":             []map[string]string{{"platform": "linux-amd64", "sha256": "sha256:abc"}},
	}
	for k, v := range extra {
		manifest[k] = v
	}
	canonical, err := canonicalize(manifest)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	raw, _ := json.Marshal(manifest)
	return raw, sig
}

func TestStoreManifest_PinnedKeyAccepts(t *testing.T) {
	f := newFixture(t, true, 85)
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	f.orch.cfg.ManifestPublicKey = base58.Encode(pub)

	raw, sig := signedManifest(t, priv, "3.0.0", nil)
	m, err := f.orch.StoreManifest(context.Background(), raw, sig, true)
	if err != nil {
		t.Fatalf("StoreManifest: %v", err)
	}
	if m.Version != "3.0.0" || !m.Required {
		t.Errorf("manifest = %+v", m)
	}

	required, err := f.orch.RequiredManifest(context.Background())
	if err != nil || required.Version != "3.0.0" {
		t.Errorf("required = %+v err = %v", required, err)
	}
}

func TestStoreManifest_SignatureFieldExcluded(t *testing.T) {
	f := newFixture(t, true, 85)
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	f.orch.cfg.ManifestPublicKey = base58.Encode(pub)

	// The manifest body carries its own signature field, which must be
	// stripped before canonicalization.
	raw, sig := signedManifest(t, priv, "3.1.0", nil)
	var withSig map[string]any
	json.Unmarshal(raw, &withSig)
	withSig["signature"] = "embedded-should-be-ignored"
	rawWithSig, _ := json.Marshal(withSig)

	if _, err := f.orch.StoreManifest(context.Background(), rawWithSig, sig, false); err != nil {
		t.Fatalf("StoreManifest: %v", err)
	}
}

func TestStoreManifest_WrongKeyRejected(t *testing.T) {
	f := newFixture(t, true, 85)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	f.orch.cfg.ManifestPublicKey = base58.Encode(pub)

	raw, sig := signedManifest(t, otherPriv, "3.2.0", nil)
	if _, err := f.orch.StoreManifest(context.Background(), raw, sig, false); !errors.Is(err, ErrBadManifest) {
		t.Fatalf("err = %v, want ErrBadManifest", err)
	}
}

func TestStoreManifest_RequiredFlagMovesAtomically(t *testing.T) {
	f := newFixture(t, true, 85)
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	f.orch.cfg.ManifestPublicKey = base58.Encode(pub)
	ctx := context.Background()

	raw1, sig1 := signedManifest(t, priv, "4.0.0", nil)
	if _, err := f.orch.StoreManifest(ctx, raw1, sig1, true); err != nil {
		t.Fatalf("StoreManifest 4.0.0: %v", err)
	}
	raw2, sig2 := signedManifest(t, priv, "4.1.0", nil)
	if _, err := f.orch.StoreManifest(ctx, raw2, sig2, true); err != nil {
		t.Fatalf("StoreManifest 4.1.0: %v", err)
	}

	required, err := f.orch.RequiredManifest(ctx)
	if err != nil {
		t.Fatalf("RequiredManifest: %v", err)
	}
	if required.Version != "4.1.0" {
		t.Errorf("required = %s, want 4.1.0", required.Version)
	}
	old, _ := f.store.GetManifestByVersion(ctx, "4.0.0")
	if old.Required {
		t.Error("previous required flag must be cleared")
	}
}
