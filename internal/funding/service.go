package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/notification"
)

var (
	// ErrUnsupportedPaymentMethod is returned for payment methods the gateway
	// does not handle.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	// ErrInvalidCard is returned when a card payment carries a malformed number.
	ErrInvalidCard = errors.New("invalid card number")
	// ErrPaymentDeclined is returned when the gateway refuses the payment.
	ErrPaymentDeclined = errors.New("payment declined")
)

const (
	MethodCard        = "card"
	MethodMobileMoney = "mobile_money"
	MethodVoucher     = "voucher"
)

// Service coordinates coin purchases using the payment gateway and the ledger.
type Service struct {
	ledger   ledger.Ledger
	gateway  Gateway
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService prepares a funding service.
func NewService(l ledger.Ledger, gateway Gateway, notifier notification.Notifier, logger *slog.Logger) *Service {
	if gateway == nil {
		gateway = StaticGateway{}
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, gateway: gateway, notifier: notifier, logger: logger}
}

// BuyInput captures the data required for a purchase.
type BuyInput struct {
	OwnerID        string
	Amount         int64
	PaymentMethod  string
	CardNumber     string
	IdempotencyKey string
}

// Purchase represents the domain outcome of a purchase.
type Purchase struct {
	Transaction      ledger.Transaction
	Status           string
	GatewayReference string
	CompletedAt      time.Time
}

// Buy confirms the payment with the gateway and credits the purchased coins.
// Repeating a purchase with the same idempotency key replays the original
// credit.
func (s *Service) Buy(ctx context.Context, input BuyInput) (Purchase, error) {
	if input.Amount <= 0 {
		return Purchase{}, ledger.ErrInvalidAmount
	}
	method := strings.ToLower(strings.TrimSpace(input.PaymentMethod))
	switch method {
	case MethodCard:
		if err := validateCardNumber(input.CardNumber); err != nil {
			return Purchase{}, err
		}
	case MethodMobileMoney, MethodVoucher:
	default:
		return Purchase{}, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, input.PaymentMethod)
	}

	confirmation, err := s.gateway.Confirm(ctx, PaymentRequest{
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Method:         method,
		CardNumber:     input.CardNumber,
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("confirm payment: %w", err)
	}
	if confirmation.Status != "approved" {
		return Purchase{}, fmt.Errorf("%w: %s", ErrPaymentDeclined, confirmation.Status)
	}

	txn, err := s.ledger.Credit(ctx, ledger.Posting{
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Category:       ledger.CategoryPurchase,
		ReferenceID:    confirmation.Reference,
		IdempotencyKey: ledger.ScopedKey("buy", input.IdempotencyKey),
		Description:    "purchase via " + method,
	})
	if err != nil {
		s.logger.Error("purchase credit failed after gateway confirmation",
			slog.String("owner_id", input.OwnerID),
			slog.String("gateway_reference", confirmation.Reference),
			slog.Any("error", err),
		)
		return Purchase{}, err
	}

	if !txn.Replayed {
		if err := s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindWalletCredited,
			Destination: txn.OwnerID,
			Body:        "purchased " + strconv.FormatInt(txn.Amount, 10) + " TechCoin",
			Data: map[string]any{
				"transaction_id":    txn.ID,
				"amount":            txn.Amount,
				"category":          string(txn.Category),
				"gateway_reference": txn.ReferenceID,
				"balance_after":     txn.BalanceAfter,
			},
		}); err != nil {
			s.logger.Warn("notification failed", slog.String("owner_id", txn.OwnerID), slog.Any("error", err))
		}
	}

	return Purchase{
		Transaction:      txn,
		Status:           confirmation.Status,
		GatewayReference: txn.ReferenceID,
		CompletedAt:      time.Now().UTC(),
	}, nil
}

func validateCardNumber(card string) error {
	digits := strings.ReplaceAll(card, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return fmt.Errorf("%w: must be between 12 and 19 digits", ErrInvalidCard)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: must be numeric", ErrInvalidCard)
		}
	}
	return nil
}
