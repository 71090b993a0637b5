package notification

import (
	"context"
	"log/slog"
)

const (
	// KindWalletCredited is emitted after a purchase or earn credit.
	KindWalletCredited = "wallet_credited"
	// KindWalletDebited is emitted after a spend debit.
	KindWalletDebited = "wallet_debited"
	// KindChallengeReward is emitted when a challenge winner is paid.
	KindChallengeReward = "challenge_reward"
	// KindChallengeRefund is emitted when an entry fee is returned.
	KindChallengeRefund = "challenge_refund"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
	Data        map[string]any
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", message.Destination),
		slog.String("body", message.Body),
		slog.Any("data", message.Data),
	)
	return nil
}

// Nop drops every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Message) error { return nil }
