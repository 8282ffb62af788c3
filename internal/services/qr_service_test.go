package services

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trc20Addr = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

func TestQRService_DepositAddress(t *testing.T) {
	ctx := context.Background()
	addrs := map[string]string{"TRC20": trc20Addr}

	t.Run("renders png without cache", func(t *testing.T) {
		s := NewQRService(addrs, decimal.NewFromInt(10), nil)

		info, err := s.DepositAddress(ctx, "trc20")
		require.NoError(t, err)
		assert.Equal(t, "TRC20", info.Network)
		assert.Equal(t, trc20Addr, info.Address)
		assert.True(t, info.MinDeposit.Equal(decimal.NewFromInt(10)))

		raw, err := base64.StdEncoding.DecodeString(info.QRCode)
		require.NoError(t, err)
		assert.Equal(t, "\x89PNG", string(raw[:4]))
	})

	t.Run("serves cached image", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet("qr:deposit:TRC20:" + trc20Addr).SetVal("cached")

		s := NewQRService(addrs, decimal.NewFromInt(10), rdb)
		info, err := s.DepositAddress(ctx, "TRC20")
		require.NoError(t, err)
		assert.Equal(t, "cached", info.QRCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("network without address", func(t *testing.T) {
		s := NewQRService(addrs, decimal.Zero, nil)
		_, err := s.DepositAddress(ctx, "ERC20")
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = s.DepositAddress(ctx, "DOGE")
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("networks sorted", func(t *testing.T) {
		s := NewQRService(map[string]string{"TRC20": "a", "BTC": "b", "ERC20": "c"}, decimal.Zero, nil)
		assert.Equal(t, []string{"BTC", "ERC20", "TRC20"}, s.Networks())
	})
}
