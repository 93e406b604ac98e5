package evalfn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	out, err := Merge([]byte(`{"init":43}`), []byte(`{"b":2}`))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, float64(43), got["init"])
	require.Equal(t, float64(2), got["b"])
}

func TestMergeEmptyValue(t *testing.T) {
	out, err := Merge(nil, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
}

func TestSetField(t *testing.T) {
	out, err := SetField([]byte(`{"a":1}`), []byte(`{"field":"b","value":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1,"b":2}`, string(out))
}

func TestDefaultResolve(t *testing.T) {
	ev := Default()

	fn, err := ev.Resolve("merge")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = ev.Resolve("nope")
	require.Error(t, err)
}
