package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

func matchedSignals(t *testing.T, p *ResolvedPolicy, req spell.Request) []string {
	t.Helper()
	vars := RequestVars(req)
	var names []string
	for _, s := range p.Grading.Signals {
		ok, err := s.Eval(vars)
		require.NoError(t, err)
		if ok {
			names = append(names, s.Name)
		}
	}
	return names
}

func TestDefaultSignals(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.Empty(t, matchedSignals(t, p, spell.Request{Cmd: "echo hi"}))
	assert.Equal(t, []string{"network_intent"}, matchedSignals(t, p, spell.Request{Cmd: "curl http://example.com"}))
	assert.Equal(t, []string{"network_intent"}, matchedSignals(t, p, spell.Request{Cmd: "python -c 'import urllib; urllib.urlopen(\"https://x\")'"}))
	assert.Empty(t, matchedSignals(t, p, spell.Request{Cmd: "curl https://x.test", AllowNet: []string{"x.test"}}))
	assert.Equal(t, []string{"ssh_usage"}, matchedSignals(t, p, spell.Request{Cmd: "ssh host uptime"}))
	assert.Empty(t, matchedSignals(t, p, spell.Request{Cmd: "echo sshd"}))
}

func TestSignal_RequestFields(t *testing.T) {
	p, err := Load([]byte(`
version: 1
grading:
  signals:
    - {name: big_timeout, expr: "request.timeout_sec > 30", weight: 5}
    - {name: has_files, expr: "size(request.files) > 0", weight: 1}
    - {name: secret_env, expr: "'AWS_SECRET_ACCESS_KEY' in request.env", weight: 50}
    - {name: seeded, expr: "request.seed == 7u", weight: 1}
`))
	require.NoError(t, err)

	req := spell.Request{
		Cmd:        "true",
		TimeoutSec: 45,
		Files:      []spell.File{{Path: "a.txt"}},
		Env:        map[string]string{"AWS_SECRET_ACCESS_KEY": "x"},
		Seed:       7,
	}
	assert.Equal(t, []string{"big_timeout", "has_files", "secret_env", "seeded"}, matchedSignals(t, p, req))
	assert.Empty(t, matchedSignals(t, p, spell.Request{Cmd: "true", TimeoutSec: 5}))
}

func TestSignal_NonBoolAtRuntime(t *testing.T) {
	p, err := Load([]byte("version: 1\ngrading: {signals: [{name: dyn, expr: \"request.cmd\"}]}\n"))
	require.NoError(t, err)
	_, err = p.Grading.Signals[0].Eval(RequestVars(spell.Request{Cmd: "ls"}))
	assert.Error(t, err)
}
