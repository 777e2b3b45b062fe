package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []spell.Request
	out  *gate.Outcome
	err  error
}

func (f *fakeExecutor) Run(_ context.Context, req spell.Request, _ ...gate.ExecOption) (*gate.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.out, f.err
}

func yellowOutcome() *gate.Outcome {
	return &gate.Outcome{
		Fingerprint: strings.Repeat("ab", 32),
		Replayed:    true,
		Result: &spell.Result{
			RunID:     "r_" + strings.Repeat("ab", 16),
			Verdict:   spell.VerdictYellow,
			RiskScore: 30,
			Stdout:    "out\n",
			Backend:   "native",
		},
	}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/spells", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleSpell_Success(t *testing.T) {
	exec := &fakeExecutor{out: yellowOutcome()}
	h := NewServer(exec).Handler()

	w := post(t, h, `{"cmd":"echo out","env":{"B":"2","A":"1"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "r_"+strings.Repeat("ab", 16), w.Header().Get(HeaderRunID))
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.Equal(t, "10", w.Header().Get(HeaderExitCode))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	res, err := spell.DecodeResult(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, spell.VerdictYellow, res.Verdict)

	require.Len(t, exec.reqs, 1)
	assert.Equal(t, spell.DefaultPolicyID, exec.reqs[0].PolicyID)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, exec.reqs[0].Env)
}

func TestHandleSpell_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		strict bool
		status int
	}{
		{"malformed", `{"cmd":`, false, http.StatusBadRequest},
		{"schema", `{"cmd":"x","timeout_sec":0}`, false, http.StatusBadRequest},
		{"unknown field", `{"cmd":"x","shell":true}`, false, http.StatusBadRequest},
		{"strict missing fields", `{"cmd":"x"}`, true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{out: yellowOutcome()}
			h := NewServer(exec, WithStrictRequests(tt.strict)).Handler()

			w := post(t, h, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var problem ProblemDetail
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
			assert.Equal(t, gate.CodeInputInvalid, problem.Code)
			assert.Equal(t, gate.ExitInputInvalid, problem.ExitCode)
			assert.Empty(t, exec.reqs)
		})
	}
}

func TestHandleSpell_GateError(t *testing.T) {
	exec := &fakeExecutor{err: &gate.Error{Code: gate.CodePolicyViolation, Message: "resolve policy \"nope\""}}
	h := NewServer(exec).Handler()

	w := post(t, h, `{"cmd":"true","policy_id":"nope"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, gate.CodePolicyViolation, problem.Code)
	assert.Equal(t, "/v1/spells", problem.Instance)
	assert.Equal(t, w.Header().Get(RequestIDHeader), problem.TraceID)
}

func TestHandleSpell_MethodAndSize(t *testing.T) {
	h := NewServer(&fakeExecutor{out: yellowOutcome()}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/spells", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	big := `{"cmd":"` + strings.Repeat("x", MaxRequestBytes) + `"}`
	w = post(t, h, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHealthAndSchemas(t *testing.T) {
	var failing bool
	h := NewServer(&fakeExecutor{}, WithReadiness(func(context.Context) error {
		if failing {
			return errors.New("ledger unreachable")
		}
		return nil
	})).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	failing = true
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/schemas/request", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SpellRequest")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/schemas/result", nil))
	assert.Contains(t, w.Body.String(), "SpellResult")
}
