package spell

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResult marks results that do not satisfy the result schema.
var ErrInvalidResult = errors.New("spell: invalid result")

// Verdict is the risk classification of one execution.
type Verdict string

const (
	VerdictGreen  Verdict = "green"
	VerdictYellow Verdict = "yellow"
	VerdictRed    Verdict = "red"
)

// Severity orders verdicts from least to most severe.
func (v Verdict) Severity() int {
	switch v {
	case VerdictGreen:
		return 0
	case VerdictYellow:
		return 1
	case VerdictRed:
		return 2
	default:
		return -1
	}
}

// Result is the externally visible outcome of a request. One result exists per
// fingerprint and it is never modified after the ledger stores it.
type Result struct {
	RunID         string   `json:"run_id"`
	Verdict       Verdict  `json:"verdict"`
	RiskScore     int      `json:"risk_score"`
	ExitCode      int      `json:"exit_code"`
	DurationMs    int64    `json:"duration_ms"`
	StdoutTrunc   bool     `json:"stdout_trunc"`
	Stdout        string   `json:"stdout,omitempty"`
	Stderr        string   `json:"stderr,omitempty"`
	QuarantineRef string   `json:"quarantine_ref,omitempty"`
	Violations    []string `json:"violations,omitempty"`
	Backend       string   `json:"backend,omitempty"`
	Degraded      bool     `json:"degraded"`
}

// Validate checks the result against the result schema, including the
// quarantine rule: red results carry a reference and no inline output.
func (r *Result) Validate() error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if err := s.result.Validate(generic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return nil
}

// DecodeResult parses and validates a serialized result.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
