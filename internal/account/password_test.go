package account

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePasswordDeterministic(t *testing.T) {
	first := DerivePassword("alice@example.com", "correct horse")
	second := DerivePassword("alice@example.com", "correct horse")
	assert.Equal(t, first, second)

	raw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestDerivePasswordEmailCaseInsensitive(t *testing.T) {
	// The salt is the lowercased email; casing must not change the result.
	assert.Equal(t,
		DerivePassword("Alice@Example.COM", "pw"),
		DerivePassword("alice@example.com", "pw"),
	)
}

func TestDerivePasswordDistinguishesInputs(t *testing.T) {
	base := DerivePassword("alice@example.com", "pw")
	assert.NotEqual(t, base, DerivePassword("bob@example.com", "pw"))
	assert.NotEqual(t, base, DerivePassword("alice@example.com", "other"))
}
