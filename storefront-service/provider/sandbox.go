package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Sandbox issues real BR Codes against a fake account and keeps charge state
// in memory. Charges are paid only through Approve.
type Sandbox struct {
	key    string
	name   string
	city   string
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	charges map[string]*sandboxCharge
}

type sandboxCharge struct {
	status    Status
	expiresAt time.Time
}

type SandboxOption func(*Sandbox)

func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) { s.now = now }
}

func NewSandbox(pixKey, merchantName, merchantCity string, logger *zap.Logger, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		key:     pixKey,
		name:    merchantName,
		city:    merchantCity,
		now:     time.Now,
		logger:  logger,
		charges: make(map[string]*sandboxCharge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) CreatePix(_ context.Context, req ChargeRequest) (*Charge, error) {
	id := uuid.NewString()
	payload := BRCode{
		Key:          s.key,
		MerchantName: s.name,
		MerchantCity: s.city,
		TxID:         id,
		Amount:       req.Amount,
	}.String()

	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}

	s.mu.Lock()
	s.charges[id] = &sandboxCharge{status: StatusPending, expiresAt: req.ExpiresAt}
	s.mu.Unlock()

	s.logger.Info("Sandbox PIX created", zap.String("order_id", req.OrderID), zap.String("provider_id", id))
	return &Charge{
		ProviderID:   id,
		Status:       StatusPending,
		QRCode:       payload,
		QRCodeBase64: base64.StdEncoding.EncodeToString(png),
		Amount:       req.Amount,
		ExpiresAt:    req.ExpiresAt,
	}, nil
}

func (s *Sandbox) GetStatus(_ context.Context, providerID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge, ok := s.charges[providerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPayment, providerID)
	}
	if charge.status == StatusPending && !s.now().Before(charge.expiresAt) {
		charge.status = StatusExpired
	}
	return charge.status, nil
}

// Approve simulates the payer settling the charge. Approving an expired
// charge fails; approving twice is a no-op.
func (s *Sandbox) Approve(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge, ok := s.charges[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, providerID)
	}
	if charge.status == StatusPending && !s.now().Before(charge.expiresAt) {
		charge.status = StatusExpired
	}
	if charge.status == StatusExpired {
		return fmt.Errorf("charge %s has expired", providerID)
	}
	charge.status = StatusPaid
	s.logger.Info("Sandbox PIX approved", zap.String("provider_id", providerID))
	return nil
}
