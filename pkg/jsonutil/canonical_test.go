package jsonutil_test

import (
	"math"
	"testing"

	"github.com/jvs-project/pipeguard/pkg/jsonutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortedKeys(t *testing.T) {
	data, err := jsonutil.CanonicalMarshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(data))
}

func TestCanonicalMarshal_Nested(t *testing.T) {
	data, err := jsonutil.CanonicalMarshal(map[string]any{
		"signals": map[string]any{"z": true, "a": nil},
		"tasks":   []any{"t2", "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"signals":{"a":null,"z":true},"tasks":["t2","t1"]}`, string(data))
}

func TestCanonicalMarshal_StructFieldsSorted(t *testing.T) {
	type doc struct {
		Phase string `json:"phase"`
		Alpha int    `json:"alpha"`
	}
	data, err := jsonutil.CanonicalMarshal(doc{Phase: "build", Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"phase":"build"}`, string(data))
}

func TestCanonicalMarshal_KeepsLargeIntegers(t *testing.T) {
	data, err := jsonutil.CanonicalMarshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(data))
}

func TestCanonicalMarshal_NoHTMLEscaping(t *testing.T) {
	data, err := jsonutil.CanonicalMarshal(map[string]any{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(data))
}

func TestCanonicalMarshal_Unsupported(t *testing.T) {
	_, err := jsonutil.CanonicalMarshal(math.NaN())
	assert.Error(t, err)
	_, err = jsonutil.CanonicalMarshal(make(chan int))
	assert.Error(t, err)
}

func TestCanonicalize_WhitespaceInsensitive(t *testing.T) {
	a, err := jsonutil.Canonicalize([]byte("{\n  \"b\": [1, 2],\n  \"a\": \"x\"\n}"))
	require.NoError(t, err)
	b, err := jsonutil.Canonicalize([]byte(`{"a":"x","b":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))

	_, err = jsonutil.Canonicalize([]byte("{not json"))
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	d1, err := jsonutil.Digest(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	d2, err := jsonutil.Digest(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	d3, err := jsonutil.Digest(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)

	assert.Len(t, string(d1), 64)
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
}

func TestEqual(t *testing.T) {
	eq, err := jsonutil.Equal(map[string]any{"a": []any{1}}, map[string]any{"a": []int{1}})
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = jsonutil.Equal(map[string]any{"a": 1}, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.False(t, eq)
}
