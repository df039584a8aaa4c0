package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"session-key","key":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSessionKey, env.Type)
	assert.Equal(t, "abc", env.Key)
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"key":"abc"}`))
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = ParseEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func TestParseUpdate(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"machine":"home-pc","slots":[{"id":0,"percent":42.5,"kind":"CPU"}]}`))
	require.NoError(t, err)

	assert.Equal(t, "home-pc", u.Machine)
	require.Len(t, u.Slots, 1)
	assert.Equal(t, 0, u.Slots[0].ID)
	assert.Equal(t, 42.5, u.Slots[0].Percent)
	assert.Equal(t, SlotCPU, u.Slots[0].Kind)
	assert.True(t, u.Slots[0].IsRunning())
}

func TestParseUpdateRunningExplicit(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"machine":"m","slots":[{"id":1,"percent":100,"kind":"GPU","running":false}]}`))
	require.NoError(t, err)
	assert.False(t, u.Slots[0].IsRunning())
}

func TestParseUpdateInvalid(t *testing.T) {
	cases := []string{
		`{"slots":[]}`,                                            // missing machine
		`{"machine":"m","slots":[{"id":-1,"kind":"CPU"}]}`,        // negative slot
		`{"machine":"m","slots":[{"id":0,"kind":"TPU"}]}`,         // unknown kind
		`{"machine":"m","slots":[{"id":0,"kind":"CPU","percent":101}]}`,  // percent over range
		`{"machine":"m","slots":[{"id":0,"kind":"CPU","percent":-0.1}]}`, // percent under range
		`[1,2,3]`, // not an object
	}

	for _, raw := range cases {
		_, err := ParseUpdate([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidUpdate, "input: %s", raw)
	}
}
