// Package address classifies wallet addresses into the kinds of chains they
// can be used on. Only syntactic validation happens here; whether an address
// actually exists on a chain is up to the explorer.
package address

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

type Kind string

const (
	// KindSubstrate covers SS58-encoded addresses (Polkadot, Kusama and
	// their parachains).
	KindSubstrate Kind = "substrate"
	// KindEVM covers 0x-prefixed 20-byte hex addresses.
	KindEVM Kind = "evm"
)

// Detect classifies a wallet address or returns an error when it is neither a
// valid EVM address nor a valid SS58 address.
func Detect(wallet string) (Kind, error) {
	if wallet == "" {
		return "", fmt.Errorf("wallet address is required")
	}

	if strings.HasPrefix(wallet, "0x") || strings.HasPrefix(wallet, "0X") {
		if err := validateEVM(wallet[2:]); err != nil {
			return "", err
		}
		return KindEVM, nil
	}

	if err := validateSS58(wallet); err != nil {
		return "", err
	}
	return KindSubstrate, nil
}

func validateEVM(hexPart string) error {
	if len(hexPart) != 40 {
		return fmt.Errorf("evm address must be 20 bytes of hex, got %d chars", len(hexPart))
	}
	for _, c := range hexPart {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("evm address contains non-hex character %q", c)
		}
	}
	return nil
}

func validateSS58(wallet string) error {
	raw, err := base58.Decode(wallet)
	if err != nil {
		return fmt.Errorf("invalid ss58 address: %w", err)
	}

	// SS58 layout: 1-2 byte network prefix, 32 byte public key, 2 byte checksum.
	if len(raw) < 35 || len(raw) > 36 {
		return fmt.Errorf("invalid ss58 address: decoded length %d", len(raw))
	}
	return nil
}
