package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// paymentAPI is the part of the MercadoPago payment client in use.
type paymentAPI interface {
	Create(ctx context.Context, request payment.Request) (*payment.Response, error)
	Get(ctx context.Context, id int) (*payment.Response, error)
}

type MercadoPago struct {
	payments        paymentAPI
	notificationURL string
	logger          *zap.Logger
}

func NewMercadoPago(accessToken, notificationURL string, logger *zap.Logger) (*MercadoPago, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to configure MercadoPago: %w", err)
	}
	return &MercadoPago{
		payments:        payment.NewClient(cfg),
		notificationURL: notificationURL,
		logger:          logger,
	}, nil
}

func (m *MercadoPago) Name() string { return "mercadopago" }

func (m *MercadoPago) CreatePix(ctx context.Context, req ChargeRequest) (*Charge, error) {
	resource, err := m.payments.Create(ctx, m.pixRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to create MercadoPago payment: %w", err)
	}

	data := resource.PointOfInteraction.TransactionData
	charge := &Charge{
		ProviderID:   strconv.Itoa(resource.ID),
		Status:       mapMercadoPagoStatus(resource.Status),
		QRCode:       data.QRCode,
		QRCodeBase64: data.QRCodeBase64,
		QRCodeURL:    data.TicketURL,
		Amount:       decimal.NewFromFloat(resource.TransactionAmount).Round(2),
		ExpiresAt:    req.ExpiresAt,
	}
	if charge.Amount.IsZero() {
		charge.Amount = req.Amount
	}
	if charge.QRCode == "" {
		return nil, fmt.Errorf("MercadoPago payment %s has no PIX data (status %s, detail %s)",
			charge.ProviderID, resource.Status, resource.StatusDetail)
	}

	m.logger.Info("MercadoPago PIX created",
		zap.String("order_id", req.OrderID),
		zap.String("provider_id", charge.ProviderID),
		zap.String("status", resource.Status),
	)
	return charge, nil
}

func (m *MercadoPago) GetStatus(ctx context.Context, providerID string) (Status, error) {
	id, err := strconv.Atoi(providerID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownPayment, providerID)
	}
	resource, err := m.payments.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get MercadoPago payment: %w", err)
	}
	if resource == nil {
		return "", errors.New("empty MercadoPago response")
	}
	return mapMercadoPagoStatus(resource.Status), nil
}

func (m *MercadoPago) pixRequest(req ChargeRequest) payment.Request {
	expiresAt := req.ExpiresAt
	return payment.Request{
		TransactionAmount: req.Amount.InexactFloat64(),
		Description:       req.Description,
		PaymentMethodID:   "pix",
		ExternalReference: req.OrderID,
		NotificationURL:   m.notificationURL,
		DateOfExpiration:  &expiresAt,
		Payer: &payment.PayerRequest{
			Email:     req.Payer.Email,
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
			Identification: &payment.IdentificationRequest{
				Type:   "CPF",
				Number: digitsOnly(req.Payer.CPF),
			},
		},
	}
}

// mapMercadoPagoStatus folds MercadoPago's payment statuses onto ours. A PIX
// charge that is cancelled or rejected can never be paid, which for the
// storefront is the same as running out of time.
func mapMercadoPagoStatus(status string) Status {
	switch status {
	case "approved", "authorized":
		return StatusPaid
	case "cancelled", "rejected", "refunded", "charged_back":
		return StatusExpired
	default:
		return StatusPending
	}
}
