package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Canonicalization(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  string
	}{
		{
			name:  "sorted keys",
			input: map[string]interface{}{"cmd": "echo", "allow_net": []string{}, "timeout_sec": 5},
			want:  `{"allow_net":[],"cmd":"echo","timeout_sec":5}`,
		},
		{
			name: "nested objects",
			input: map[string]interface{}{
				"z": map[string]interface{}{"y": "foo", "x": "bar"},
				"a": 1,
			},
			want: `{"a":1,"z":{"x":"bar","y":"foo"}}`,
		},
		{
			name:  "html characters kept literal",
			input: map[string]string{"cmd": "echo '<b>' && true"},
			want:  `{"cmd":"echo '<b>' && true"}`,
		},
		{
			name:  "json.Number",
			input: map[string]interface{}{"num": json.Number("123.456")},
			want:  `{"num":123.456}`,
		},
		{
			name:  "integral float",
			input: map[string]interface{}{"n": 1.0},
			want:  `{"n":1}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := JCS(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type request struct {
		Cmd      string   `json:"cmd"`
		AllowNet []string `json:"allow_net"`
	}

	h1, err := CanonicalHash(map[string]interface{}{"allow_net": []string{"example.com"}, "cmd": "ls"})
	require.NoError(t, err)
	h2, err := CanonicalHash(request{Cmd: "ls", AllowNet: []string{"example.com"}})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestTransform_WhitespaceInsensitive(t *testing.T) {
	a, err := Transform([]byte(`{ "b" : 2,  "a" : [1, 2] }`))
	require.NoError(t, err)
	b, err := Transform([]byte(`{"a":[1,2],"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
	assert.Equal(t, HashBytes(a), HashBytes(b))
}

func TestTransform_RejectsInvalidJSON(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestJCS_UnmarshalableValue(t *testing.T) {
	_, err := JCS(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}
