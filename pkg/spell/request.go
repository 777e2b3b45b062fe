// Package spell defines the request and result documents exchanged with the
// execution gate, their JSON Schemas and the deterministic request fingerprint.
package spell

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/magicrune/pkg/canonicalize"
)

const (
	// DefaultPolicyID is used when a request does not name a policy.
	DefaultPolicyID = "default"
	// DefaultTimeoutSec is used when a request does not carry a timeout.
	DefaultTimeoutSec = 15
	// MaxTimeoutSec is the upper bound accepted for timeout_sec.
	MaxTimeoutSec = 60
)

// ErrInvalidRequest marks request documents rejected by decoding or schema validation.
var ErrInvalidRequest = errors.New("spell: invalid request")

// File is an input file materialized into the sandbox workspace before the run.
type File struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// Content decodes the base64 payload of the file.
func (f File) Content() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(f.ContentB64)
	if err != nil {
		return nil, fmt.Errorf("%w: file %q: content_b64: %v", ErrInvalidRequest, f.Path, err)
	}
	return b, nil
}

// Request is a single execution request. It is treated as immutable once decoded.
type Request struct {
	Cmd        string            `json:"cmd"`
	Stdin      string            `json:"stdin"`
	Env        map[string]string `json:"env"`
	Files      []File            `json:"files"`
	PolicyID   string            `json:"policy_id"`
	TimeoutSec int               `json:"timeout_sec"`
	AllowNet   []string          `json:"allow_net"`
	AllowFS    []string          `json:"allow_fs"`
	Seed       uint64            `json:"seed"`
}

// DecodeRequest validates data against the request schema and decodes it.
// In strict mode every top-level key except seed must be present.
// The returned request is normalized.
func DecodeRequest(data []byte, strict bool) (*Request, error) {
	s, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	generic, err := decodeGeneric(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	schema := s.request
	if strict {
		schema = s.requestStrict
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := checkFiles(req.Files); err != nil {
		return nil, err
	}
	n := req.Normalize()
	return &n, nil
}

// Validate checks a programmatically built request against the request schema.
func (r Request) Validate() error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(r.Normalize())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.request.Validate(generic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return checkFiles(r.Files)
}

// workDir is where relative input paths resolve inside the sandbox.
const workDir = "/work"

// checkFiles decodes every file and rejects layouts that cannot be
// materialized: a path naming a mount root, the same path twice, or a file
// that is also the parent directory of another.
func checkFiles(files []File) error {
	seen := make(map[string]string, len(files))
	for _, f := range files {
		if _, err := f.Content(); err != nil {
			return err
		}
		p := resolveFilePath(f.Path)
		if p == "/" || p == workDir || p == "/tmp" {
			return fmt.Errorf("%w: file %q: not a regular file path", ErrInvalidRequest, f.Path)
		}
		if prev, dup := seen[p]; dup {
			return fmt.Errorf("%w: files %q and %q collide", ErrInvalidRequest, prev, f.Path)
		}
		seen[p] = f.Path
	}
	for p, orig := range seen {
		for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
			if parent, ok := seen[dir]; ok {
				return fmt.Errorf("%w: file %q is also the directory of %q", ErrInvalidRequest, parent, orig)
			}
		}
	}
	return nil
}

func resolveFilePath(p string) string {
	p = norm.NFC.String(p)
	if !strings.HasPrefix(p, "/") {
		p = workDir + "/" + p
	}
	return path.Clean(p)
}

// Normalize returns a copy with defaults applied and nil collections replaced
// by empty ones, so that equivalent requests share one canonical form.
func (r Request) Normalize() Request {
	out := r
	if out.PolicyID == "" {
		out.PolicyID = DefaultPolicyID
	}
	if out.TimeoutSec == 0 {
		out.TimeoutSec = DefaultTimeoutSec
	}
	out.Env = make(map[string]string, len(r.Env))
	for k, v := range r.Env {
		out.Env[k] = v
	}
	out.Files = append(make([]File, 0, len(r.Files)), r.Files...)
	out.AllowNet = append(make([]string, 0, len(r.AllowNet)), r.AllowNet...)
	out.AllowFS = append(make([]string, 0, len(r.AllowFS)), r.AllowFS...)
	return out
}

// Canonical returns the RFC 8785 serialization of the normalized request.
func (r Request) Canonical() ([]byte, error) {
	return canonicalize.JCS(r.Normalize())
}

// Fingerprint is the hex SHA-256 digest of the canonical request. It is the
// idempotency key and the transport message id.
func (r Request) Fingerprint() (string, error) {
	b, err := r.Canonical()
	if err != nil {
		return "", fmt.Errorf("spell: fingerprint: %w", err)
	}
	return canonicalize.HashBytes(b), nil
}

// RunID derives the externally visible run identifier from a fingerprint.
func RunID(fingerprint string) string {
	if len(fingerprint) > 32 {
		fingerprint = fingerprint[:32]
	}
	return "r_" + fingerprint
}
