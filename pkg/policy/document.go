// Package policy parses declarative capability/limit documents, validates them
// against an embedded JSON Schema and compiles them into a ResolvedPolicy used by
// the sandbox at enforcement time and by the grader for scoring.
package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed policy.schema.json
var policySchema []byte

const policySchemaURL = "https://magicrune.dev/schemas/policy.schema.json"

// SupportedVersions is the semver constraint a document's version must satisfy.
const SupportedVersions = "^1"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(policySchemaURL, bytes.NewReader(policySchema)); err != nil {
			schemaErr = fmt.Errorf("policy: add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(policySchemaURL)
	})
	return compiledSchema, schemaErr
}

// Document is the decoded, schema-valid form of a policy file.
type Document struct {
	Version      string       `json:"version"`
	ID           string       `json:"id,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Limits       LimitsDoc    `json:"limits"`
	Isolation    IsolationDoc `json:"isolation"`
	Grading      GradingDoc   `json:"grading"`
}

type Capabilities struct {
	FS  CapabilityDoc `json:"fs"`
	Net CapabilityDoc `json:"net"`
}

// CapabilityDoc is one capability class. An empty default means deny.
type CapabilityDoc struct {
	Default string   `json:"default,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

// LimitsDoc holds resource ceilings; zero values take package defaults.
type LimitsDoc struct {
	CPUMs       int64 `json:"cpu_ms,omitempty"`
	MemoryMB    int64 `json:"memory_mb,omitempty"`
	WallSec     int   `json:"wall_sec,omitempty"`
	PidsMax     int   `json:"pids_max,omitempty"`
	OutputBytes int64 `json:"output_bytes,omitempty"`
}

type IsolationDoc struct {
	Native        string `json:"native,omitempty"`
	AllowFallback *bool  `json:"allow_fallback,omitempty"`
	Seccomp       string `json:"seccomp,omitempty"`
}

type GradingDoc struct {
	Thresholds *ThresholdsDoc `json:"thresholds,omitempty"`
	Weights    map[string]int `json:"weights,omitempty"`
	Signals    []SignalDoc    `json:"signals,omitempty"`
}

// ThresholdsDoc maps each verdict to a score range.
type ThresholdsDoc struct {
	Green  RangeSpec `json:"green"`
	Yellow RangeSpec `json:"yellow"`
	Red    RangeSpec `json:"red"`
}

// RangeSpec is a score range written as a string ("<=20", "21..=60", ">=61"),
// a single integer, or an object with min and optional max (both inclusive).
type RangeSpec struct {
	Expr string `json:"-"`
	Min  *int64 `json:"min,omitempty"`
	Max  *int64 `json:"max,omitempty"`
}

func (r *RangeSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &r.Expr)
	case len(data) > 0 && data[0] == '{':
		type plain struct {
			Min *int64 `json:"min"`
			Max *int64 `json:"max"`
		}
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		r.Min, r.Max = p.Min, p.Max
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("range: %w", err)
		}
		r.Min, r.Max = &n, &n
		return nil
	}
}

func (r RangeSpec) MarshalJSON() ([]byte, error) {
	if r.Expr != "" {
		return json.Marshal(r.Expr)
	}
	type plain struct {
		Min *int64 `json:"min,omitempty"`
		Max *int64 `json:"max,omitempty"`
	}
	return json.Marshal(plain{Min: r.Min, Max: r.Max})
}

// SignalDoc is a declarative CEL predicate over the request. A matching signal
// adds Weight to the static score, or, when Kind is set, counts as a violation
// of that kind.
type SignalDoc struct {
	Name   string `json:"name"`
	Expr   string `json:"expr"`
	Weight int    `json:"weight,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Parse decodes a YAML or JSON policy document, validates it against the
// policy schema and checks its version. Unknown keys are rejected.
func Parse(data []byte) (*Document, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, newError(CodeSchemaInvalid, "", "decode: %v", err)
	}
	if generic == nil {
		return nil, newError(CodeSchemaInvalid, "", "empty document")
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, newError(CodeSchemaInvalid, "", "non-JSON-compatible document: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, newError(CodeSchemaInvalid, "", "re-decode: %v", err)
	}

	schema, err := documentSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(value); err != nil {
		return nil, newError(CodeSchemaInvalid, schemaField(err), "%v", err)
	}

	// version may be an integer or a string; the typed form keeps a string.
	if m, ok := value.(map[string]interface{}); ok {
		m["version"] = fmt.Sprint(m["version"])
		if asJSON, err = json.Marshal(m); err != nil {
			return nil, newError(CodeSchemaInvalid, "", "%v", err)
		}
	}

	var doc Document
	strict := json.NewDecoder(bytes.NewReader(asJSON))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&doc); err != nil {
		return nil, newError(CodeSchemaInvalid, "", "%v", err)
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return newError(CodeVersionUnsupported, "version", "%q is not a version: %v", v, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return newError(CodeVersionUnsupported, "version", "%s does not satisfy %s", ver, SupportedVersions)
	}
	return nil
}

// schemaField extracts the instance location of the first schema failure.
func schemaField(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ""
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return strings.TrimPrefix(ve.InstanceLocation, "/")
}
