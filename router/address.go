package router

import (
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const canonicalAddressLength = 2 + 2*common.AddressLength

var errEmptyHex = errors.New("empty hex quantity")

// NormalizeAddress strips the zero padding of a 32-byte topic-encoded
// address. Canonical addresses are returned unchanged.
func NormalizeAddress(addr string) string {
	if len(addr) <= canonicalAddressLength {
		return addr
	}
	return "0x" + addr[len(addr)-2*common.AddressLength:]
}

// hexQuantity parses a 0x-prefixed quantity, tolerating leading zeros and
// odd lengths. Plain decimal strings are accepted as well.
func hexQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmptyHex
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, strconv.ErrSyntax
		}
		return v, nil
	}
	digits := strings.TrimLeft(s[2:], "0")
	if digits == "" {
		return new(big.Int), nil
	}
	return hexutil.DecodeBig("0x" + digits)
}

// decimalTokenID renders a hex token id in base 10.
func decimalTokenID(s string) (string, bool) {
	v, err := hexQuantity(s)
	if err != nil {
		return "", false
	}
	return v.String(), true
}

func quantityToFloat(s string) float64 {
	v, err := hexQuantity(s)
	if err != nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// validContract reports whether addr is a 20-byte hex address.
func validContract(addr string) bool {
	return common.IsHexAddress(addr)
}
