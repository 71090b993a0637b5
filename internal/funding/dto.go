package funding

import "github.com/techcoin/techcoin/internal/wallet"

// BuyRequest captures a coin purchase.
type BuyRequest struct {
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	CardNumber    string `json:"cardNumber"`
}

// BuyResponse represents the API response for a purchase.
type BuyResponse struct {
	Transaction      wallet.TransactionResponse `json:"transaction"`
	Status           string                     `json:"status"`
	GatewayReference string                     `json:"gateway_reference"`
}
