package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Signal is a compiled declarative predicate over the request.
type Signal struct {
	Name   string
	Weight int
	Kind   ViolationKind
	Expr   string
	prg    cel.Program
}

var (
	envOnce sync.Once
	celEnv  *cel.Env
	envErr  error
)

func signalEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		celEnv, envErr = cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, envErr
}

func compileSignal(i int, doc SignalDoc) (*Signal, error) {
	field := fmt.Sprintf("grading.signals[%d]", i)
	env, err := signalEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(doc.Expr)
	if iss != nil && iss.Err() != nil {
		return nil, newError(CodeSignalInvalid, field, "%s: %v", doc.Name, iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, newError(CodeSignalInvalid, field, "%s: expression yields %s, want bool", doc.Name, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, newError(CodeSignalInvalid, field, "%s: %v", doc.Name, err)
	}
	return &Signal{
		Name:   doc.Name,
		Weight: doc.Weight,
		Kind:   ViolationKind(doc.Kind),
		Expr:   doc.Expr,
		prg:    prg,
	}, nil
}

// Eval evaluates the signal against request variables built by RequestVars.
// A non-boolean result is an error.
func (s *Signal) Eval(vars map[string]interface{}) (bool, error) {
	val, _, err := s.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("signal %s: %w", s.Name, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("signal %s: result %v is not a bool", s.Name, val.Value())
	}
	return b, nil
}

// RequestVars exposes the request to signal expressions as the "request" map.
func RequestVars(req spell.Request) map[string]interface{} {
	n := req.Normalize()
	files := make([]interface{}, 0, len(n.Files))
	for _, f := range n.Files {
		files = append(files, map[string]interface{}{"path": f.Path})
	}
	return map[string]interface{}{
		"request": map[string]interface{}{
			"cmd":         n.Cmd,
			"stdin":       n.Stdin,
			"env":         n.Env,
			"files":       files,
			"policy_id":   n.PolicyID,
			"timeout_sec": int64(n.TimeoutSec),
			"allow_net":   n.AllowNet,
			"allow_fs":    n.AllowFS,
			"seed":        n.Seed,
		},
	}
}
