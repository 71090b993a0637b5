package funding

import (
	"context"

	"github.com/google/uuid"
)

// Gateway confirms an external payment before coins are credited.
type Gateway interface {
	Confirm(ctx context.Context, req PaymentRequest) (Confirmation, error)
}

// PaymentRequest is the payment the buyer asked the gateway to capture.
type PaymentRequest struct {
	OwnerID        string
	Amount         int64
	Method         string
	CardNumber     string
	IdempotencyKey string
}

// Confirmation is the gateway's answer for a captured payment.
type Confirmation struct {
	Reference string
	Status    string
}

var purchaseNamespace = uuid.MustParse("0f6b8d5e-3c1a-4c1e-9a57-5b0d3a7e2c41")

// StaticGateway approves every payment. References derived from an
// idempotency key are stable so a retried purchase reuses the same reference.
type StaticGateway struct{}

// Confirm approves the payment with a synthetic reference.
func (StaticGateway) Confirm(_ context.Context, req PaymentRequest) (Confirmation, error) {
	ref := uuid.NewString()
	if req.IdempotencyKey != "" {
		ref = uuid.NewSHA1(purchaseNamespace, []byte(req.OwnerID+":"+req.IdempotencyKey)).String()
	}
	return Confirmation{Reference: ref, Status: "approved"}, nil
}
