package quarantine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/magicrune/pkg/canonicalize"
)

// Bundle is everything withheld from a red result. Result is the result as
// graded, before the reference to this bundle was attached.
type Bundle struct {
	RunID       string          `json:"run_id"`
	Fingerprint string          `json:"fingerprint"`
	PolicyID    string          `json:"policy_id"`
	Result      json.RawMessage `json:"result"`
	Stdout      []byte          `json:"stdout"`
	Stderr      []byte          `json:"stderr"`
	Telemetry   json.RawMessage `json:"telemetry"`
}

// Put stores the canonical encoding of b and returns its reference.
func Put(ctx context.Context, s Store, b *Bundle) (string, error) {
	data, err := canonicalize.JCS(b)
	if err != nil {
		return "", fmt.Errorf("quarantine: encode bundle: %w", err)
	}
	return s.Put(ctx, data)
}

// Load fetches and decodes a bundle.
func Load(ctx context.Context, s Store, ref string) (*Bundle, error) {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("quarantine: decode bundle %s: %w", ref, err)
	}
	return &b, nil
}
