package services

import (
	"testing"

	"github.com/cryptoquiz/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		network string
		address string
		wantErr bool
	}{
		{"erc20 ok", "ERC20", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", false},
		{"bep20 lower case network", "bep20", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", false},
		{"erc20 short", "ERC20", "0x742d35Cc", true},
		{"trc20 ok", "TRC20", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", false},
		{"trc20 bad checksum", "TRC20", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", true},
		{"btc legacy", "BTC", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false},
		{"btc bech32", "BTC", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", false},
		{"btc garbage", "BTC", "not-an-address", true},
		{"empty address", "TRC20", "", true},
		{"unknown network", "SOL", "whatever", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.network, tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeNetwork(t *testing.T) {
	n, err := NormalizeNetwork(" trc20 ")
	assert.NoError(t, err)
	assert.Equal(t, NetworkTRC20, n)

	_, err = NormalizeNetwork("")
	assert.Error(t, err)
}
