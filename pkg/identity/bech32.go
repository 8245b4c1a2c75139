package identity

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

// decodeBech32 has no overall length cap: signatures exceed the 90 character
// limit of BIP-173.
func decodeBech32(value string) (string, []byte, error) {
	hrp, data, err := bech32.DecodeNoLimit(value)
	if err != nil {
		return "", nil, err
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("convert bits: %w", err)
	}
	return hrp, conv, nil
}
