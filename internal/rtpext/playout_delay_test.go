package rtpext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayoutDelayRoundTrip(t *testing.T) {
	cases := []PlayoutDelay{
		{Min: 0, Max: 0},
		{Min: 1, Max: 10},
		{Min: 0x0FFF, Max: 0x0FFF},
		{Min: 0x123, Max: 0xABC},
	}
	for _, want := range cases {
		buf, err := want.Marshal()
		require.NoError(t, err)
		require.Len(t, buf, 3)

		var got PlayoutDelay
		require.NoError(t, got.Unmarshal(buf))
		assert.Equal(t, want, got)
	}
}

func TestPlayoutDelayMarshalLayout(t *testing.T) {
	// min=1 max=2: 0000 0000 | 0001 0000 | 0000 0010
	buf, err := PlayoutDelay{Min: 1, Max: 2}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x10, 0x02}, buf)
}

func TestPlayoutDelayRejectsOutOfRange(t *testing.T) {
	_, err := PlayoutDelay{Min: 0x1000}.Marshal()
	assert.Error(t, err)
	_, err = PlayoutDelay{Max: 0x1000}.Marshal()
	assert.Error(t, err)
}

func TestPlayoutDelayUnmarshalShortBuffer(t *testing.T) {
	var p PlayoutDelay
	assert.Error(t, p.Unmarshal([]byte{0x00, 0x10}))
}
