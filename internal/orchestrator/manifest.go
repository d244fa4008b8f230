package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/consensusnet/gateway/internal/nodeauth"
	"github.com/consensusnet/gateway/internal/nodestore"
)

// Attestation and manifest failures.
var (
	ErrAttestationStale  = errors.New("orchestrator: attestation timestamp outside the accepted window")
	ErrAttestationFailed = errors.New("orchestrator: attestation rejected")
	ErrBadManifest       = errors.New("orchestrator: manifest rejected")
)

const attestationWindow = 300 * time.Second

// Attestation is a node's signed build integrity claim.
type Attestation struct {
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	BuildDigest string `json:"build_digest"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"` // base64 Ed25519 over the canonical claim
}

// manifestBody is the decoded release manifest payload.
type manifestBody struct {
	Version          string          `json:"version"`
	GithubReleaseURL string          `json:"github_release_url,omitempty"`
	ReleasedAt       string          `json:"released_at,omitempty"`
	Assets           []manifestAsset `json:"assets"`
}

type manifestAsset struct {
	Platform string `json:"platform"`
	SHA256   string `json:"sha256"`
	URL      string `json:"url,omitempty"`
}

// Attest verifies a node's integrity claim against the stored release
// manifest. The signature covers the jcs-canonical JSON of the five claim
// fields; the manifest must carry an asset matching both platform and digest.
// Any failure clears the node's verified flag.
func (o *Orchestrator) Attest(ctx context.Context, nodeID string, att Attestation) error {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	if drift := time.Since(time.Unix(att.Timestamp, 0)); drift > attestationWindow || drift < -attestationWindow {
		o.metrics.AttestationsTotal.WithLabelValues("stale").Inc()
		return ErrAttestationStale
	}

	claim, err := canonicalize(map[string]any{
		"build_digest": att.BuildDigest,
		"nonce":        att.Nonce,
		"platform":     att.Platform,
		"timestamp":    att.Timestamp,
		"version":      att.Version,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}

	sig, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil {
		o.metrics.AttestationsTotal.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("%w: signature is not base64", ErrAttestationFailed)
	}
	if err := nodeauth.VerifySignature(node.PublicKeyDER, node.Alg, claim, sig); err != nil {
		o.metrics.AttestationsTotal.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}

	manifest, err := o.store.GetManifestByVersion(ctx, att.Version)
	if err != nil {
		o.clearVerification(ctx, nodeID)
		o.metrics.AttestationsTotal.WithLabelValues("unknown_version").Inc()
		return fmt.Errorf("%w: no manifest for version %s", ErrAttestationFailed, att.Version)
	}

	var body manifestBody
	if err := json.Unmarshal(manifest.Body, &body); err != nil {
		return fmt.Errorf("%w: stored manifest is unreadable: %v", ErrAttestationFailed, err)
	}

	for _, asset := range body.Assets {
		if asset.Platform == att.Platform && asset.SHA256 == att.BuildDigest {
			if err := o.store.UpdateNodeVerification(ctx, nodeID, att.Version, att.BuildDigest); err != nil {
				return err
			}
			o.metrics.AttestationsTotal.WithLabelValues("verified").Inc()
			o.log.Info().Str("node_id", nodeID).Str("version", att.Version).Msg("node integrity verified")
			return nil
		}
	}

	o.clearVerification(ctx, nodeID)
	o.metrics.AttestationsTotal.WithLabelValues("digest_mismatch").Inc()
	return fmt.Errorf("%w: no asset matches platform %q with the reported digest", ErrAttestationFailed, att.Platform)
}

// StoreManifest validates and persists a release manifest posted by the
// operator. The signature is Ed25519 over the jcs-canonical manifest with
// its signature field removed, checked against the pinned release key.
func (o *Orchestrator) StoreManifest(ctx context.Context, rawManifest json.RawMessage, signature string, required bool) (nodestore.VersionManifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawManifest, &fields); err != nil {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: manifest is not a JSON object", ErrBadManifest)
	}
	delete(fields, "signature")

	stripped, err := json.Marshal(fields)
	if err != nil {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: signature is not base64", ErrBadManifest)
	}
	if err := nodeauth.VerifyEd25519Base58(o.cfg.ManifestPublicKey, canonical, sig); err != nil {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	var body manifestBody
	if err := json.Unmarshal(canonical, &body); err != nil || body.Version == "" {
		return nodestore.VersionManifest{}, fmt.Errorf("%w: manifest needs a version", ErrBadManifest)
	}

	releasedAt := time.Now()
	if body.ReleasedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, body.ReleasedAt); err == nil {
			releasedAt = parsed
		}
	}

	m := nodestore.VersionManifest{
		Version:    body.Version,
		Body:       canonical,
		ReleasedAt: releasedAt,
		ReleaseURL: body.GithubReleaseURL,
		Required:   required,
		Signature:  signature,
	}
	if err := o.store.UpsertManifest(ctx, m); err != nil {
		return nodestore.VersionManifest{}, err
	}

	o.log.Info().Str("version", body.Version).Bool("required", required).Msg("release manifest stored")
	return m, nil
}

// RequiredManifest returns the release every node must run.
func (o *Orchestrator) RequiredManifest(ctx context.Context) (nodestore.VersionManifest, error) {
	return o.store.GetRequiredManifest(ctx)
}

func (o *Orchestrator) clearVerification(ctx context.Context, nodeID string) {
	if err := o.store.ClearNodeVerification(ctx, nodeID); err != nil {
		o.log.Warn().Err(err).Str("node_id", nodeID).Msg("failed to clear verification")
	}
}

// canonicalize renders v as jcs-canonical JSON (lexicographic keys, RFC 8785
// number forms).
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
