package ledger

import "context"

// SeedBalance is a test helper that funds an owner through a regular
// admin_adjustment credit so the balance/log invariant still holds.
func SeedBalance(ctx context.Context, l Ledger, ownerID string, amount int64) error {
	_, err := l.Credit(ctx, Posting{
		OwnerID:        ownerID,
		Amount:         amount,
		Category:       CategoryAdminAdjustment,
		IdempotencyKey: "seed:" + ownerID,
		Description:    "test seed",
	})
	return err
}
