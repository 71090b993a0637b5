package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/metrics"
)

// ExpiryCloser closes challenges whose entry window has ended.
type ExpiryCloser interface {
	CloseExpired(ctx context.Context, now time.Time) (int, error)
}

// Reconciler reports wallets whose balance disagrees with their log.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]ledger.Discrepancy, error)
}

// CloseSweep returns a job that closes expired challenges.
func CloseSweep(closer ExpiryCloser, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		n, err := closer.CloseExpired(ctx, time.Now())
		if n > 0 {
			logger.Info("closed expired challenges", slog.Int("count", n))
		}
		return err
	}
}

// Reconcile returns a job that audits every wallet and publishes the number of
// discrepancies as a gauge.
func Reconcile(r Reconciler, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		found, err := r.Reconcile(ctx)
		if errors.Is(err, ledger.ErrAuditUnsupported) {
			logger.Debug("store cannot be reconciled")
			return nil
		}
		if err != nil {
			return err
		}
		metrics.SetDiscrepancies(len(found))
		for _, d := range found {
			logger.Error("ledger discrepancy",
				slog.String("owner_id", d.OwnerID),
				slog.Int64("balance", d.Balance),
				slog.Int64("sum", d.Sum),
			)
		}
		return nil
	}
}
