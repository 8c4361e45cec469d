// Package chain holds the small set of Ethereum primitives the ledger needs:
// address and transaction-hash validation, checksum normalisation and
// ETH/wei conversion. It never talks to a node.
package chain

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

// WeiDecimals is the number of decimal places between ETH and wei.
const WeiDecimals = 18

// MaxEth bounds a single ETH amount. Balances are NUMERIC(78,18), so this
// leaves ample headroom for accumulated top-ups.
var MaxEth = decimal.New(1, 30)

// MaxCredits bounds a single credit amount for the NUMERIC(78,0) columns.
var MaxCredits = decimal.New(1, 36)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsWalletAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsWalletAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the EIP-55 checksum form of a wallet address so the
// same wallet always maps to the same balance row.
func NormalizeAddress(s string) (string, error) {
	if !IsWalletAddress(s) {
		return "", fmt.Errorf("invalid wallet address %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// IsTxHash reports whether s looks like a transaction hash (0x + 32 bytes hex).
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// NormalizeTxHash lowercases a transaction hash after validating it.
func NormalizeTxHash(s string) (string, error) {
	if !IsTxHash(s) {
		return "", fmt.Errorf("invalid transaction hash %q", s)
	}
	return common.HexToHash(s).Hex(), nil
}

// EthToWei converts an ETH amount to wei. Fractions below one wei are
// truncated.
func EthToWei(eth decimal.Decimal) *big.Int {
	return eth.Mul(decimal.NewFromBigInt(big.NewInt(params.Ether), 0)).BigInt()
}

// WeiToEth converts a wei amount back to ETH without losing precision.
func WeiToEth(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}

// CheckEth reports why d cannot be stored as an exact ETH amount: more
// decimal places than wei allows, or beyond MaxEth. Sign is not checked.
func CheckEth(d decimal.Decimal) error {
	if !WeiToEth(EthToWei(d)).Equal(d) {
		return fmt.Errorf("%s has more than %d decimal places", d, WeiDecimals)
	}
	if d.Abs().GreaterThanOrEqual(MaxEth) {
		return fmt.Errorf("%s exceeds %s", d, MaxEth)
	}
	return nil
}

// CheckCredits reports why d is not a storable credit amount: a fraction or
// beyond MaxCredits. Sign is not checked.
func CheckCredits(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("%s is not a whole number", d)
	}
	if d.Abs().GreaterThanOrEqual(MaxCredits) {
		return fmt.Errorf("%s exceeds %s", d, MaxCredits)
	}
	return nil
}
