package services

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

// Supported payout networks.
const (
	NetworkERC20 = "ERC20"
	NetworkBEP20 = "BEP20"
	NetworkTRC20 = "TRC20"
	NetworkBTC   = "BTC"
)

// NormalizeNetwork upper-cases and validates a network name.
func NormalizeNetwork(network string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(network))
	switch n {
	case NetworkERC20, NetworkBEP20, NetworkTRC20, NetworkBTC:
		return n, nil
	}
	return "", models.NewValidationError("network", "unsupported network %q", network)
}

// ValidateAddress checks addr is well formed for network.
func ValidateAddress(network, addr string) error {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return models.NewValidationError("address", "required")
	}

	switch n {
	case NetworkERC20, NetworkBEP20:
		if !common.IsHexAddress(addr) {
			return models.NewValidationError("address", "invalid %s address", n)
		}
	case NetworkTRC20:
		if _, err := address.Base58ToAddress(addr); err != nil {
			return models.NewValidationError("address", "invalid TRON address: %v", err)
		}
	case NetworkBTC:
		if _, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams); err != nil {
			return models.NewValidationError("address", "invalid Bitcoin address: %v", err)
		}
	}
	return nil
}
