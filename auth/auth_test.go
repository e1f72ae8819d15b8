package auth

import (
	"strconv"
	"testing"

	"chatrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintMatchesJDKHashCode(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"abc", 96354},
		{"hello", 99162322},
		// 31-based hash collisions are well known; the fingerprint keeps them.
		{"Aa", 2112},
		{"BB", 2112},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint(tt.in), "Fingerprint(%q)", tt.in)
	}
}

func TestFingerprintWrapsAt32Bits(t *testing.T) {
	long := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, Fingerprint(long), Fingerprint(long))
	assert.NotEqual(t, Fingerprint(long), Fingerprint(long+"!"))
}

func TestFingerprintUsesUTF16CodeUnits(t *testing.T) {
	// U+1F600 is the surrogate pair D83D DE00.
	want := int32(0xD83D)*31 + int32(0xDE00)
	assert.Equal(t, want, Fingerprint("😀"))
}

func TestNew(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	assert.IsType(t, FingerprintVerifier{}, v)

	v, err = New(VerifierBcrypt)
	require.NoError(t, err)
	assert.IsType(t, BcryptVerifier{}, v)

	_, err = New("md5")
	assert.ErrorIs(t, err, ErrUnknownVerifier)
}

func TestNewAccount(t *testing.T) {
	acct, err := NewAccount(FingerprintVerifier{}, "alice", "pw")
	require.NoError(t, err)

	assert.False(t, acct.Exists())
	assert.Equal(t, "alice", acct.Login)
	assert.Equal(t, Fingerprint("pw"), acct.SecretFingerprint)
	assert.Empty(t, acct.SecretHash)
	assert.GreaterOrEqual(t, acct.SessionToken, int32(0))
	assert.LessOrEqual(t, acct.SessionToken, int32(100))
	assert.Equal(t, Fingerprint(strconv.Itoa(int(acct.SessionToken))), acct.SaltFingerprint)
}

func TestFingerprintVerifier(t *testing.T) {
	var v FingerprintVerifier
	acct := models.Account{Login: "alice"}
	require.NoError(t, v.Seal(&acct, "pw"))

	assert.True(t, v.Verify(acct, "pw"))
	assert.False(t, v.Verify(acct, "PW"))
}

func TestBcryptVerifier(t *testing.T) {
	v := BcryptVerifier{Cost: 4}
	acct := models.Account{Login: "alice"}
	require.NoError(t, v.Seal(&acct, "pw"))

	assert.NotEmpty(t, acct.SecretHash)
	assert.True(t, v.Verify(acct, "pw"))
	assert.False(t, v.Verify(acct, "nope"))

	legacy := models.Account{Login: "bob", SecretFingerprint: Fingerprint("old")}
	assert.True(t, v.Verify(legacy, "old"), "accounts without a hash fall back to the fingerprint")
	assert.False(t, v.Verify(legacy, "new"))
}
