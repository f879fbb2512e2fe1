package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRoundTrip(t *testing.T) {
	for _, plain := range []string{"Str0ng!Pass", "An0ther#One", "ünïcode-Pa55!"} {
		hash, err := Hash(plain)
		require.NoError(t, err)

		assert.NotEqual(t, plain, hash)
		assert.True(t, Verify(hash, plain))
		assert.False(t, Verify(hash, plain+"x"))
		assert.False(t, Verify(hash, ""))
	}
}

func TestHashIsSalted(t *testing.T) {
	a, err := Hash("Str0ng!Pass")
	require.NoError(t, err)
	b, err := Hash("Str0ng!Pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plain   string
		wantErr bool
	}{
		{"strong", "Str0ng!Pass", false},
		{"too short", "S0!a", true},
		{"no symbol", "Str0ngPass", true},
		{"no digit", "Strong!Pass", true},
		{"no upper", "str0ng!pass", true},
		{"no lower", "STR0NG!PASS", true},
		{"too long", "Aa1!" + string(make([]byte, 80)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.plain)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWeak)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyDummy(t *testing.T) {
	assert.False(t, VerifyDummy("anything"))
}
