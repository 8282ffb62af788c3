package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"sort"
	"time"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrCacheTTL = 24 * time.Hour

// DepositAddress tells a user where to send funds for one network.
type DepositAddress struct {
	Network    string          `json:"network"`
	Address    string          `json:"address"`
	QRCode     string          `json:"qrCode"` // base64 PNG
	MinDeposit decimal.Decimal `json:"minDeposit"`
}

type QRService struct {
	addresses  map[string]string
	minDeposit decimal.Decimal
	redis      *redis.Client
}

func NewQRService(addresses map[string]string, minDeposit decimal.Decimal, rdb *redis.Client) *QRService {
	return &QRService{
		addresses:  addresses,
		minDeposit: minDeposit,
		redis:      rdb,
	}
}

// Networks lists the networks with a configured deposit address.
func (s *QRService) Networks() []string {
	out := make([]string, 0, len(s.addresses))
	for n := range s.addresses {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *QRService) DepositAddress(ctx context.Context, network string) (*DepositAddress, error) {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	addr, ok := s.addresses[n]
	if !ok {
		return nil, models.NewValidationError("network", "deposits on %s are not enabled", n)
	}

	img, err := s.qrImage(ctx, n, addr)
	if err != nil {
		return nil, err
	}
	return &DepositAddress{
		Network:    n,
		Address:    addr,
		QRCode:     img,
		MinDeposit: s.minDeposit,
	}, nil
}

// qrImage renders addr as a base64 PNG, cached in Redis per address.
func (s *QRService) qrImage(ctx context.Context, network, addr string) (string, error) {
	key := fmt.Sprintf("qr:deposit:%s:%s", network, addr)
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, key).Result()
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			logger.Log.Warn("qr cache read failed", zap.String("network", network), zap.Error(err))
		}
	}

	qr, err := qrcode.New(addr, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	img := base64.StdEncoding.EncodeToString(buf.Bytes())

	if s.redis != nil {
		if err := s.redis.Set(ctx, key, img, qrCacheTTL).Err(); err != nil {
			logger.Log.Warn("qr cache write failed", zap.String("network", network), zap.Error(err))
		}
	}
	return img, nil
}
