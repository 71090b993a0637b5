package wallet

import (
	"time"

	"github.com/techcoin/techcoin/internal/ledger"
)

// Balance is the owner's spendable TechCoin at a point in time.
type Balance struct {
	OwnerID string
	Amount  int64
	AsOf    time.Time
}

// EarnInput describes coins granted to a user for completing work.
type EarnInput struct {
	OwnerID        string
	Amount         int64
	Description    string
	XPReward       int64
	ReferenceID    string
	Category       string
	IdempotencyKey string
}

// SpendInput describes coins a user spends inside the platform.
type SpendInput struct {
	OwnerID        string
	Amount         int64
	Description    string
	ReferenceID    string
	Category       string
	IdempotencyKey string
}

// HistoryQuery carries the raw history filters received from a client.
type HistoryQuery struct {
	Limit       int
	Before      string
	Category    string
	ReferenceID string
}

// History is one page of transactions plus the cursor of the next page.
type History struct {
	Items      []ledger.Transaction
	NextCursor string
}
