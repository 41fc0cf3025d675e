package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, c.Name())
	}

	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestCodecsAgree(t *testing.T) {
	type payload struct {
		A string            `json:"a"`
		B int               `json:"b"`
		M map[string]string `json:"m,omitempty"`
	}
	in := payload{A: "x", B: 7, M: map[string]string{"k": "v"}}

	for _, c := range []Codec{JSON{}, GoJSON{}} {
		b, err := c.Marshal(in)
		require.NoError(t, err)

		var out payload
		require.NoError(t, c.Unmarshal(b, &out))
		assert.Equal(t, in, out, c.Name())
	}
}
