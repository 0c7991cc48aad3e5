package sequence

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)

func TestNextGiftCardCode_Format(t *testing.T) {
	g := NewCryptoGenerator(6, bcrypt.MinCost)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := g.NextGiftCardCode()
		require.NoError(t, err)
		require.Regexp(t, codePattern, code)
		require.False(t, strings.ContainsAny(code, "01IO"))
		seen[code] = struct{}{}
	}
	require.Len(t, seen, 200)
}

func TestNextPIN(t *testing.T) {
	g := NewCryptoGenerator(6, bcrypt.MinCost)

	pin, err := g.NextPIN()
	require.NoError(t, err)
	require.Len(t, pin, 6)
	require.Regexp(t, `^[0-9]{6}$`, pin)

	hash, err := g.HashPIN(pin)
	require.NoError(t, err)
	require.NotContains(t, hash, pin)
	require.True(t, g.ComparePIN(hash, pin))
	require.False(t, g.ComparePIN(hash, "000000x"))
}

func TestNewGenerator_Defaults(t *testing.T) {
	g := NewGenerator(Params{}).(*CryptoGenerator)
	require.Equal(t, defaultPinLength, g.pinLength)
	require.Equal(t, defaultBcryptCost, g.bcryptCost)
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "WELCOME10", NormalizeCode("  welcome10 "))
}
