package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue(t *testing.T) {
	t.Run("encode normalizes raw json", func(t *testing.T) {
		v, err := Encode(json.RawMessage(`{ "a" : [1, 2] }`))
		require.NoError(t, err)
		require.Equal(t, `{"a":[1,2]}`, v.String())

		again, err := Encode(v)
		require.NoError(t, err)
		require.True(t, v.Equal(again))
	})

	t.Run("invalid raw json is rejected", func(t *testing.T) {
		_, err := Encode(Value(`{nope`))
		require.Error(t, err)
	})

	t.Run("values embed verbatim in documents", func(t *testing.T) {
		doc := map[string]Value{"doubled": MustEncode([]int{2, 4, 6})}
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		require.Equal(t, `{"doubled":[2,4,6]}`, string(data))

		var decoded map[string]Value
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, doc, decoded)
	})

	t.Run("decode", func(t *testing.T) {
		var out struct {
			Task   string `json:"task"`
			Values []int  `json:"values"`
		}
		v := MustEncode(map[string]any{"task": "sum", "values": []int{1, 2, 3}})
		require.NoError(t, v.Decode(&out))
		require.Equal(t, "sum", out.Task)
		require.Equal(t, []int{1, 2, 3}, out.Values)
	})

	t.Run("null", func(t *testing.T) {
		require.True(t, Value(nil).IsNull())
		require.True(t, MustEncode(nil).IsNull())
		require.False(t, MustEncode(0).IsNull())
	})
}
