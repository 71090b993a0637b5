package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/techcoin/techcoin/internal/payout"
)

var (
	// ErrChallengeNotFound is returned when the challenge id is unknown.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeNotOpen is returned when joining or submitting after the
	// entry window has ended.
	ErrChallengeNotOpen = errors.New("challenge is not open")

	// ErrAlreadyJoined is returned on a second join by the same participant.
	ErrAlreadyJoined = errors.New("participant already joined")

	// ErrChallengeNotClosed is returned when settling a challenge that still
	// accepts entries.
	ErrChallengeNotClosed = errors.New("challenge is not closed")

	// ErrNotParticipant is returned when an id does not belong to the challenge.
	ErrNotParticipant = errors.New("not a participant of the challenge")

	// ErrSubmissionNotFound is returned when recording a result for a
	// participant that never submitted.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrChallengeFinalized is returned when results are recorded on a settled
	// or cancelled challenge.
	ErrChallengeFinalized = errors.New("challenge already finalized")

	// ErrResolutionInProgress is returned when settle or cancel finds the
	// challenge already claimed by the other.
	ErrResolutionInProgress = errors.New("challenge resolution already in progress")

	// ErrInvalidChallenge is returned for malformed create requests.
	ErrInvalidChallenge = errors.New("invalid challenge")

	// ErrAlreadyVoted is returned on a second vote by the same voter.
	ErrAlreadyVoted = errors.New("voter already voted in this challenge")
)

// Status is the escrow lifecycle state of a challenge.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether nothing can change the challenge any more.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Resolution records which of settle or cancel owns a CLOSED challenge. It is
// claimed once, before any payout or refund, and never released.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionSettle Resolution = "settle"
	ResolutionCancel Resolution = "cancel"
)

// Challenge is the economic state of a challenge.
type Challenge struct {
	ID        string
	Title     string
	Kind      payout.Kind
	EntryFee  int64
	Reward    int64
	Status     Status
	Resolution Resolution
	ClosesAt   *time.Time
	WinnerID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// accepting reports whether new entries are allowed at now.
func (c Challenge) accepting(now time.Time) bool {
	if c.Status != StatusOpen {
		return false
	}
	return c.ClosesAt == nil || now.Before(*c.ClosesAt)
}

// NewChallenge is the input for Escrow.Create.
type NewChallenge struct {
	Title    string
	Kind     payout.Kind
	EntryFee int64
	Reward   int64
	ClosesAt *time.Time
}

// Participation links a participant to a challenge and its entry debit.
type Participation struct {
	ChallengeID        string
	ParticipantID      string
	EntryTransactionID string
	Refunded           bool
	Rewarded           bool
	JoinedAt           time.Time
}

// Submission is the part of a participant's entry the resolver needs.
type Submission struct {
	ChallengeID   string
	ParticipantID string
	Content       string
	SubmittedAt   time.Time
	Votes         int64
	Score         int64
}

// Outcome summarises a settle or cancel call.
type Outcome struct {
	ChallengeID string
	Status      Status
	WinnerID    string
	Reward      int64
	Refunded    []string
	// Replayed is set when the challenge was already terminal and nothing
	// was changed by the call.
	Replayed bool
}

// Repository persists challenges, participations and submissions. Conditional
// writes report whether they applied so callers can resume safely.
type Repository interface {
	CreateChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	// TransitionStatus moves the challenge from one status to another and
	// returns false when the current status is not from.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// ClaimResolution assigns r to a CLOSED challenge that has no resolution
	// yet. It returns true when r holds the claim after the call, including
	// when r already held it, and false when the challenge is not CLOSED or
	// belongs to the other resolution.
	ClaimResolution(ctx context.Context, id string, r Resolution) (bool, error)
	// SetWinner records the winner once and only under a settle claim; false
	// when a winner is already set or the claim is missing.
	SetWinner(ctx context.Context, id, winnerID string) (bool, error)
	// ListExpired returns OPEN challenges whose closes_at is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// CreateParticipation inserts a participation only while the challenge
	// is OPEN. It returns ErrAlreadyJoined or ErrChallengeNotOpen otherwise.
	CreateParticipation(ctx context.Context, p Participation) error
	GetParticipation(ctx context.Context, challengeID, participantID string) (Participation, error)
	ListParticipations(ctx context.Context, challengeID string) ([]Participation, error)
	// MarkRefunded and MarkRewarded flip their flag once and never when the
	// other flag is already set.
	MarkRefunded(ctx context.Context, challengeID, participantID string) (bool, error)
	MarkRewarded(ctx context.Context, challengeID, participantID string) (bool, error)

	// UpsertSubmission stores a submission, keeping the first submitted_at.
	UpsertSubmission(ctx context.Context, s Submission) (Submission, error)
	// AddVote counts one vote from voterID for the participant's submission.
	// Each voter votes once per challenge; a repeat returns ErrAlreadyVoted.
	AddVote(ctx context.Context, challengeID, voterID, participantID string) (Submission, error)
	SetScore(ctx context.Context, challengeID, participantID string, score int64) (Submission, error)
	ListSubmissions(ctx context.Context, challengeID string) ([]Submission, error)
}
