package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	t.Run("substrate address", func(t *testing.T) {
		kind, err := Detect("15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5")
		require.NoError(t, err)
		require.Equal(t, KindSubstrate, kind)
	})

	t.Run("evm address", func(t *testing.T) {
		kind, err := Detect("0x1234567890abcdefABCDEF1234567890abcdefAB")
		require.NoError(t, err)
		require.Equal(t, KindEVM, kind)
	})

	t.Run("empty address", func(t *testing.T) {
		_, err := Detect("")
		require.Error(t, err)
	})

	t.Run("evm address with wrong length", func(t *testing.T) {
		_, err := Detect("0x1234")
		require.Error(t, err)
	})

	t.Run("evm address with non-hex characters", func(t *testing.T) {
		_, err := Detect("0x1234567890abcdefABCDEF1234567890abcdefZZ")
		require.Error(t, err)
	})

	t.Run("garbage is not ss58", func(t *testing.T) {
		_, err := Detect("not-a-wallet")
		require.Error(t, err)
	})

	t.Run("short base58 string rejected", func(t *testing.T) {
		_, err := Detect("abc")
		require.Error(t, err)
	})
}
