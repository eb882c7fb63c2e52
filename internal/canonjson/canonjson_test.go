package canonjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]interface{}{"b": 2.0, "a": 1.0}
	s, err := MarshalString(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)
}

func TestMarshalNestedSortsRecursively(t *testing.T) {
	v := map[string]interface{}{
		"outer": map[string]interface{}{"z": 1.0, "a": 2.0},
		"arr":   []interface{}{3.0, 1.0, 2.0},
	}
	s, err := MarshalString(v)
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[3,1,2],"outer":{"a":2,"z":1}}`, s)
}

func TestHashOrderIndependent(t *testing.T) {
	a, err := Decode([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestContentHashDeterministic(t *testing.T) {
	v, err := Decode([]byte(`{"n":1}`))
	require.NoError(t, err)
	h1, err := ContentHash("/x/y", v)
	require.NoError(t, err)
	h2, err := ContentHash("/x/y", v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	v2, err := Decode([]byte(`{"n":2}`))
	require.NoError(t, err)
	h3, err := ContentHash("/x/y", v2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestLegacyHashDiffersFromCanonical(t *testing.T) {
	raw := []byte(`{"b":2,"a":1}`)
	v, err := Decode(raw)
	require.NoError(t, err)
	canon, err := Hash(v)
	require.NoError(t, err)
	legacy := LegacyHash(raw)
	// Different algorithms over different byte strings; just assert both
	// are stable and non-empty (they need not be equal).
	assert.NotEmpty(t, canon)
	assert.NotEmpty(t, legacy)
}
