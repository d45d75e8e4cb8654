// Package provider creates PIX charges with a payment provider and reads
// their status back.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
)

var ErrUnknownPayment = errors.New("unknown payment")

type Payer struct {
	Email     string
	FirstName string
	LastName  string
	CPF       string
}

type ChargeRequest struct {
	OrderID     string
	Description string
	Amount      decimal.Decimal
	ExpiresAt   time.Time
	Payer       Payer
}

// Charge is a provider-side PIX charge. At least one of QRCodeBase64 and
// QRCodeURL is set.
type Charge struct {
	ProviderID   string
	Status       Status
	QRCode       string
	QRCodeBase64 string
	QRCodeURL    string
	Amount       decimal.Decimal
	ExpiresAt    time.Time
}

type Provider interface {
	Name() string
	CreatePix(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetStatus(ctx context.Context, providerID string) (Status, error)
}

func digitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
