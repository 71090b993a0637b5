package challenge

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/middleware"
	"github.com/techcoin/techcoin/internal/payout"
)

// ErrOperatorOnly is returned when a caller outside the operator list names
// a winner or sets a score.
var ErrOperatorOnly = errors.New("operator privileges required")

// Handler exposes the challenge escrow over HTTP.
type Handler struct {
	escrow    *Escrow
	operators map[string]struct{}
}

// NewHandler builds a challenge HTTP handler. operators lists the user IDs
// allowed to score submissions and to name a winner on settle.
func NewHandler(escrow *Escrow, operators []string) *Handler {
	ops := make(map[string]struct{}, len(operators))
	for _, id := range operators {
		if id != "" {
			ops[id] = struct{}{}
		}
	}
	return &Handler{escrow: escrow, operators: ops}
}

func (h *Handler) isOperator(c *fiber.Ctx) bool {
	_, ok := h.operators[middleware.UserID(c)]
	return ok
}

type createRequest struct {
	Title    string     `json:"title"`
	Kind     string     `json:"kind"`
	EntryFee int64      `json:"entryFee"`
	Reward   int64      `json:"reward"`
	ClosesAt *time.Time `json:"closesAt"`
}

type submitRequest struct {
	Content string `json:"content"`
}

type voteRequest struct {
	ParticipantID string `json:"participantId"`
}

type scoreRequest struct {
	ParticipantID string `json:"participantId"`
	Score         int64  `json:"score"`
}

type settleRequest struct {
	WinnerID string `json:"winnerId"`
}

type challengeResponse struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Kind      string     `json:"kind"`
	EntryFee  int64      `json:"entry_fee"`
	Reward    int64      `json:"reward"`
	Status    string     `json:"status"`
	ClosesAt  *time.Time `json:"closes_at,omitempty"`
	WinnerID  string     `json:"winner_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Participants []participationResponse `json:"participants,omitempty"`
}

type participationResponse struct {
	ParticipantID      string    `json:"participant_id"`
	EntryTransactionID string    `json:"entry_transaction_id,omitempty"`
	Refunded           bool      `json:"refunded"`
	Rewarded           bool      `json:"rewarded"`
	JoinedAt           time.Time `json:"joined_at"`
}

type submissionResponse struct {
	ParticipantID string    `json:"participant_id"`
	Content       string    `json:"content,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Votes         int64     `json:"votes"`
	Score         int64     `json:"score"`
}

type outcomeResponse struct {
	ChallengeID string   `json:"challenge_id"`
	Status      string   `json:"status"`
	WinnerID    string   `json:"winner_id,omitempty"`
	Reward      int64    `json:"reward"`
	Refunded    []string `json:"refunded"`
	Replayed    bool     `json:"replayed"`
}

// Create registers the economic state of a new challenge.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ch, err := h.escrow.Create(c.UserContext(), NewChallenge{
		Title:    req.Title,
		Kind:     payout.Kind(req.Kind),
		EntryFee: req.EntryFee,
		Reward:   req.Reward,
		ClosesAt: req.ClosesAt,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toChallengeResponse(ch, nil))
}

// Get returns a challenge with its participations.
func (h *Handler) Get(c *fiber.Ctx) error {
	ch, parts, err := h.escrow.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toChallengeResponse(ch, parts))
}

// Join enters the authenticated user into the challenge.
func (h *Handler) Join(c *fiber.Ctx) error {
	p, err := h.escrow.Join(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toParticipationResponse(p))
}

// Submit records the authenticated user's submission.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	s, err := h.escrow.Submit(c.UserContext(), c.Params("id"), middleware.UserID(c), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toSubmissionResponse(s))
}

// Vote adds the authenticated user's vote to a participant's submission.
func (h *Handler) Vote(c *fiber.Ctx) error {
	var req voteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	s, err := h.escrow.Vote(c.UserContext(), c.Params("id"), middleware.UserID(c), req.ParticipantID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toSubmissionResponse(s))
}

// Score sets a participant's criteria score. Operators only.
func (h *Handler) Score(c *fiber.Ctx) error {
	if !h.isOperator(c) {
		return httpError(ErrOperatorOnly)
	}
	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	s, err := h.escrow.Score(c.UserContext(), c.Params("id"), req.ParticipantID, req.Score)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toSubmissionResponse(s))
}

// Close ends the entry window.
func (h *Handler) Close(c *fiber.Ctx) error {
	ch, err := h.escrow.Close(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toChallengeResponse(ch, nil))
}

// Cancel refunds every entry fee and cancels the challenge.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	out, err := h.escrow.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toOutcomeResponse(out))
}

// Settle pays the winner of a closed challenge.
func (h *Handler) Settle(c *fiber.Ctx) error {
	var req settleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	if req.WinnerID != "" && !h.isOperator(c) {
		return httpError(ErrOperatorOnly)
	}
	out, err := h.escrow.Settle(c.UserContext(), c.Params("id"), req.WinnerID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toOutcomeResponse(out))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrChallengeNotOpen),
		errors.Is(err, ErrChallengeNotClosed),
		errors.Is(err, ErrChallengeFinalized),
		errors.Is(err, ErrResolutionInProgress),
		errors.Is(err, ErrAlreadyVoted),
		errors.Is(err, ledger.ErrIdempotencyConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrOperatorOnly):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrSubmissionNotFound),
		errors.Is(err, payout.ErrUnknownWinner):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidChallenge),
		errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "challenge escrow unavailable")
	}
}

func toChallengeResponse(ch Challenge, parts []Participation) challengeResponse {
	resp := challengeResponse{
		ID:        ch.ID,
		Title:     ch.Title,
		Kind:      string(ch.Kind),
		EntryFee:  ch.EntryFee,
		Reward:    ch.Reward,
		Status:    string(ch.Status),
		ClosesAt:  ch.ClosesAt,
		WinnerID:  ch.WinnerID,
		CreatedAt: ch.CreatedAt,
		UpdatedAt: ch.UpdatedAt,
	}
	for _, p := range parts {
		resp.Participants = append(resp.Participants, toParticipationResponse(p))
	}
	return resp
}

func toParticipationResponse(p Participation) participationResponse {
	return participationResponse{
		ParticipantID:      p.ParticipantID,
		EntryTransactionID: p.EntryTransactionID,
		Refunded:           p.Refunded,
		Rewarded:           p.Rewarded,
		JoinedAt:           p.JoinedAt,
	}
}

func toSubmissionResponse(s Submission) submissionResponse {
	return submissionResponse{
		ParticipantID: s.ParticipantID,
		Content:       s.Content,
		SubmittedAt:   s.SubmittedAt,
		Votes:         s.Votes,
		Score:         s.Score,
	}
}

func toOutcomeResponse(out Outcome) outcomeResponse {
	refunded := out.Refunded
	if refunded == nil {
		refunded = []string{}
	}
	return outcomeResponse{
		ChallengeID: out.ChallengeID,
		Status:      string(out.Status),
		WinnerID:    out.WinnerID,
		Reward:      out.Reward,
		Refunded:    refunded,
		Replayed:    out.Replayed,
	}
}
