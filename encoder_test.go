package shelfq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_Roundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	type P struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	in := P{A: 42, B: "x"}
	data, err := enc.Encode(in)
	require.NoError(t, err, "encode should not error")

	var out P
	require.NoError(t, enc.Decode(data, &out), "decode should not error")
	assert.Equal(t, in, out, "roundtrip mismatch")
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out struct{ A int }
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}

func TestJSONEncoder_NilAndRaw(t *testing.T) {
	enc := &JSONEncoder{}
	b, err := enc.Encode(nil)
	require.NoError(t, err)
	require.Nil(t, b)

	raw := json.RawMessage(`{"k":1}`)
	b, err = enc.Encode(raw)
	require.NoError(t, err)
	require.Equal(t, []byte(raw), b)

	out := struct{ A int }{A: 7}
	require.NoError(t, enc.Decode(nil, &out))
	require.Equal(t, 7, out.A, "empty input must not reset the target")
}

func TestDecode_Typed(t *testing.T) {
	v, err := Decode[map[string]int]([]byte(`{"itemCount":3}`))
	require.NoError(t, err)
	require.Equal(t, 3, v["itemCount"])
}
