package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type earnRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	XPReward    int64  `json:"xpReward"`
	ReferenceID string `json:"referenceId"`
	Category    string `json:"category"`
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ReferenceID string `json:"referenceId"`
	Category    string `json:"category"`
}

// TransactionResponse is the JSON view of a ledger transaction.
type TransactionResponse struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Amount       int64     `json:"amount"`
	Category     string    `json:"category"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTransactionResponse converts a ledger transaction for the API.
func NewTransactionResponse(txn ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:           txn.ID,
		OwnerID:      txn.OwnerID,
		Amount:       txn.Amount,
		Category:     string(txn.Category),
		ReferenceID:  txn.ReferenceID,
		Description:  txn.Description,
		BalanceAfter: txn.BalanceAfter,
		CreatedAt:    txn.CreatedAt,
	}
}

// Earn credits the authenticated user.
func (h *Handler) Earn(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	var req earnRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txn, err := h.service.Earn(c.UserContext(), EarnInput{
		OwnerID:        ownerID,
		Amount:         req.Amount,
		Description:    req.Description,
		XPReward:       req.XPReward,
		ReferenceID:    req.ReferenceID,
		Category:       req.Category,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	if err != nil {
		return LedgerError(err)
	}
	return c.Status(PostingStatus(txn)).JSON(NewTransactionResponse(txn))
}

// Spend debits the authenticated user.
func (h *Handler) Spend(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	var req spendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txn, err := h.service.Spend(c.UserContext(), SpendInput{
		OwnerID:        ownerID,
		Amount:         req.Amount,
		Description:    req.Description,
		ReferenceID:    req.ReferenceID,
		Category:       req.Category,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	if err != nil {
		return LedgerError(err)
	}
	return c.Status(PostingStatus(txn)).JSON(NewTransactionResponse(txn))
}

// Balance returns the authenticated user's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), ownerID)
	if err != nil {
		return LedgerError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owner_id": balance.OwnerID,
		"balance":  balance.Amount,
		"as_of":    balance.AsOf,
	})
}

// Transactions lists the authenticated user's history, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	history, err := h.service.Transactions(c.UserContext(), ownerID, HistoryQuery{
		Limit:       c.QueryInt("limit", 0),
		Before:      c.Query("before"),
		Category:    c.Query("category"),
		ReferenceID: c.Query("referenceId"),
	})
	if err != nil {
		return LedgerError(err)
	}

	items := make([]TransactionResponse, 0, len(history.Items))
	for _, txn := range history.Items {
		items = append(items, NewTransactionResponse(txn))
	}
	resp := fiber.Map{"items": items, "next_cursor": nil}
	if history.NextCursor != "" {
		resp["next_cursor"] = history.NextCursor
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// PostingStatus is 201 for a new transaction and 200 for an idempotent replay.
func PostingStatus(txn ledger.Transaction) int {
	if txn.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// LedgerError maps ledger failures onto HTTP errors.
func LedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCategory),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrInvalidCursor):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "ledger unavailable")
	}
}

func owner(c *fiber.Ctx) (string, error) {
	id := middleware.UserID(c)
	if id == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing user")
	}
	return id, nil
}
