package challenge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/metrics"
	"github.com/techcoin/techcoin/internal/notification"
	"github.com/techcoin/techcoin/internal/payout"
)

const resolveStripes = 64

// Options tunes escrow behaviour.
type Options struct {
	LoserPolicy payout.LoserPolicy
}

// Escrow holds entry fees for challenges and pays them out through the
// ledger. Every ledger call carries a deterministic idempotency key so any
// step can be re-run after a failure.
type Escrow struct {
	repo     Repository
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
	policy   payout.LoserPolicy
	now      func() time.Time

	// resolving serialises settle and cancel per challenge within the process.
	resolving [resolveStripes]sync.Mutex
}

// NewEscrow wires the escrow to its repository and the ledger.
func NewEscrow(repo Repository, l ledger.Ledger, notifier notification.Notifier, logger *slog.Logger, opts Options) *Escrow {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.LoserPolicy
	if policy == "" {
		policy = payout.LoserForfeit
	}
	return &Escrow{
		repo:     repo,
		ledger:   l,
		notifier: notifier,
		logger:   logger,
		policy:   policy,
		now:      time.Now,
	}
}

func entryKey(challengeID, participantID string) string {
	return fmt.Sprintf("%s:%s:entry", challengeID, participantID)
}

func refundKey(challengeID, participantID string) string {
	return fmt.Sprintf("%s:%s:refund", challengeID, participantID)
}

func rewardKey(challengeID string) string {
	return challengeID + ":reward"
}

func (e *Escrow) lock(challengeID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(challengeID))
	mu := &e.resolving[h.Sum32()%resolveStripes]
	mu.Lock()
	return mu.Unlock
}

// Create records a new OPEN challenge.
func (e *Escrow) Create(ctx context.Context, in NewChallenge) (Challenge, error) {
	if in.Kind == "" {
		in.Kind = payout.KindVote
	}
	if !in.Kind.Valid() {
		return Challenge{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidChallenge, in.Kind)
	}
	if in.EntryFee < 0 || in.Reward < 0 {
		return Challenge{}, fmt.Errorf("%w: amounts must not be negative", ErrInvalidChallenge)
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	c := Challenge{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Kind:      in.Kind,
		EntryFee:  in.EntryFee,
		Reward:    in.Reward,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.ClosesAt != nil {
		t := in.ClosesAt.UTC().Truncate(time.Microsecond)
		c.ClosesAt = &t
	}
	if err := e.repo.CreateChallenge(ctx, c); err != nil {
		return Challenge{}, err
	}
	metrics.ObserveEscrow("created")
	return c, nil
}

// Get returns the challenge and its participations.
func (e *Escrow) Get(ctx context.Context, challengeID string) (Challenge, []Participation, error) {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Challenge{}, nil, err
	}
	parts, err := e.repo.ListParticipations(ctx, challengeID)
	if err != nil {
		return Challenge{}, nil, err
	}
	return c, parts, nil
}

// Join debits the entry fee and records the participation. A participation
// that loses a race with close or cancel has its entry fee returned at once.
func (e *Escrow) Join(ctx context.Context, challengeID, participantID string) (Participation, error) {
	if participantID == "" {
		return Participation{}, ErrNotParticipant
	}
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Participation{}, err
	}

	if !c.accepting(e.now()) {
		if err := e.releaseOrphanedEntry(ctx, c, participantID); err != nil {
			return Participation{}, err
		}
		return Participation{}, ErrChallengeNotOpen
	}

	if _, err := e.repo.GetParticipation(ctx, challengeID, participantID); err == nil {
		return Participation{}, ErrAlreadyJoined
	} else if !errors.Is(err, ErrNotParticipant) {
		return Participation{}, err
	}

	p := Participation{
		ChallengeID:   challengeID,
		ParticipantID: participantID,
		JoinedAt:      e.now().UTC().Truncate(time.Microsecond),
	}
	if c.EntryFee > 0 {
		txn, err := e.ledger.Debit(ctx, ledger.Posting{
			OwnerID:        participantID,
			Amount:         c.EntryFee,
			Category:       ledger.CategoryChallengeEntry,
			ReferenceID:    challengeID,
			IdempotencyKey: entryKey(challengeID, participantID),
			Description:    "challenge entry fee",
		})
		if err != nil {
			return Participation{}, err
		}
		p.EntryTransactionID = txn.ID
	}

	switch err := e.repo.CreateParticipation(ctx, p); {
	case err == nil:
	case errors.Is(err, ErrChallengeNotOpen):
		if c.EntryFee > 0 {
			if _, rerr := e.refund(ctx, c, participantID); rerr != nil {
				return Participation{}, rerr
			}
		}
		return Participation{}, ErrChallengeNotOpen
	default:
		return Participation{}, err
	}

	metrics.ObserveEscrow("joined")
	e.logger.Debug("challenge joined",
		slog.String("challenge_id", challengeID),
		slog.String("participant_id", participantID),
		slog.Int64("entry_fee", c.EntryFee),
	)
	return p, nil
}

// releaseOrphanedEntry returns an entry fee that was debited by a join whose
// participation never got recorded.
func (e *Escrow) releaseOrphanedEntry(ctx context.Context, c Challenge, participantID string) error {
	if c.EntryFee == 0 {
		return nil
	}
	if _, err := e.repo.GetParticipation(ctx, c.ID, participantID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotParticipant) {
		return err
	}

	page, err := e.ledger.History(ctx, participantID, ledger.Filter{
		Category:    ledger.CategoryChallengeEntry,
		ReferenceID: c.ID,
		Limit:       1,
	})
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		return nil
	}
	_, err = e.refund(ctx, c, participantID)
	return err
}

// Submit records the participant's submission time. Re-submitting keeps the
// first timestamp.
func (e *Escrow) Submit(ctx context.Context, challengeID, participantID, content string) (Submission, error) {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Submission{}, err
	}
	if !c.accepting(e.now()) {
		return Submission{}, ErrChallengeNotOpen
	}
	if _, err := e.repo.GetParticipation(ctx, challengeID, participantID); err != nil {
		return Submission{}, err
	}
	return e.repo.UpsertSubmission(ctx, Submission{
		ChallengeID:   challengeID,
		ParticipantID: participantID,
		Content:       content,
		SubmittedAt:   e.now().UTC().Truncate(time.Microsecond),
	})
}

// Vote adds the voter's single vote to the participant's submission.
func (e *Escrow) Vote(ctx context.Context, challengeID, voterID, participantID string) (Submission, error) {
	if voterID == "" {
		return Submission{}, ErrNotParticipant
	}
	if err := e.ensureUnresolved(ctx, challengeID); err != nil {
		return Submission{}, err
	}
	return e.repo.AddVote(ctx, challengeID, voterID, participantID)
}

// Score replaces the participant's criteria score.
func (e *Escrow) Score(ctx context.Context, challengeID, participantID string, score int64) (Submission, error) {
	if err := e.ensureUnresolved(ctx, challengeID); err != nil {
		return Submission{}, err
	}
	return e.repo.SetScore(ctx, challengeID, participantID, score)
}

func (e *Escrow) ensureUnresolved(ctx context.Context, challengeID string) error {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() || c.Resolution != ResolutionNone || c.WinnerID != "" {
		return ErrChallengeFinalized
	}
	return nil
}

// Close stops accepting entries. Closing a CLOSED or terminal challenge is a
// no-op that returns its current state.
func (e *Escrow) Close(ctx context.Context, challengeID string) (Challenge, error) {
	if _, err := e.repo.TransitionStatus(ctx, challengeID, StatusOpen, StatusClosed); err != nil {
		return Challenge{}, err
	}
	return e.repo.GetChallenge(ctx, challengeID)
}

// CloseExpired closes every OPEN challenge whose entry window ended at or
// before now and reports how many it closed.
func (e *Escrow) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := e.repo.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		ok, err := e.repo.TransitionStatus(ctx, id, StatusOpen, StatusClosed)
		if err != nil {
			return closed, fmt.Errorf("close challenge %s: %w", id, err)
		}
		if ok {
			closed++
			metrics.ObserveEscrow("closed")
		}
	}
	return closed, nil
}

// Cancel refunds every participant that has been neither refunded nor
// rewarded and marks the challenge CANCELLED. It is safe to call repeatedly.
func (e *Escrow) Cancel(ctx context.Context, challengeID string) (Outcome, error) {
	unlock := e.lock(challengeID)
	defer unlock()
	return e.cancel(ctx, challengeID)
}

func (e *Escrow) cancel(ctx context.Context, challengeID string) (Outcome, error) {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status.Terminal() {
		return e.priorOutcome(ctx, c)
	}
	if c.Status == StatusOpen {
		if _, err := e.repo.TransitionStatus(ctx, challengeID, StatusOpen, StatusClosed); err != nil {
			return Outcome{}, err
		}
		if c, err = e.repo.GetChallenge(ctx, challengeID); err != nil {
			return Outcome{}, err
		}
		if c.Status.Terminal() {
			return e.priorOutcome(ctx, c)
		}
	}
	if out, done, err := e.claim(ctx, challengeID, ResolutionCancel); err != nil || done {
		return out, err
	}

	parts, err := e.repo.ListParticipations(ctx, challengeID)
	if err != nil {
		return Outcome{}, err
	}
	for _, p := range parts {
		if p.Refunded || p.Rewarded {
			continue
		}
		if err := e.holdsClaim(ctx, challengeID, ResolutionCancel); err != nil {
			return Outcome{}, err
		}
		if _, err := e.refund(ctx, c, p.ParticipantID); err != nil {
			return Outcome{}, err
		}
	}

	if _, err := e.repo.TransitionStatus(ctx, challengeID, StatusClosed, StatusCancelled); err != nil {
		return Outcome{}, err
	}
	metrics.ObserveEscrow("cancelled")
	e.logger.Info("challenge cancelled",
		slog.String("challenge_id", challengeID),
		slog.Int("participants", len(parts)),
	)

	if c, err = e.repo.GetChallenge(ctx, challengeID); err != nil {
		return Outcome{}, err
	}
	out, err := e.priorOutcome(ctx, c)
	out.Replayed = false
	return out, err
}

// Settle pays the winner of a CLOSED challenge. winnerOverride, when set,
// replaces the ranking but must name a participant. A challenge without any
// valid submission is cancelled instead.
func (e *Escrow) Settle(ctx context.Context, challengeID, winnerOverride string) (Outcome, error) {
	unlock := e.lock(challengeID)
	defer unlock()

	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Outcome{}, err
	}
	switch c.Status {
	case StatusSettled, StatusCancelled:
		return e.priorOutcome(ctx, c)
	case StatusOpen:
		return Outcome{}, ErrChallengeNotClosed
	}
	if c.Resolution == ResolutionCancel {
		return Outcome{}, ErrResolutionInProgress
	}

	parts, err := e.repo.ListParticipations(ctx, challengeID)
	if err != nil {
		return Outcome{}, err
	}
	subs, err := e.repo.ListSubmissions(ctx, challengeID)
	if err != nil {
		return Outcome{}, err
	}

	override := winnerOverride
	if c.WinnerID != "" {
		override = c.WinnerID
	}
	plan, err := e.resolve(c, parts, subs, override)
	switch {
	case errors.Is(err, payout.ErrNoValidSubmissions):
		e.logger.Info("no valid submissions, cancelling challenge", slog.String("challenge_id", challengeID))
		return e.cancel(ctx, challengeID)
	case errors.Is(err, payout.ErrUnknownWinner):
		return Outcome{}, ErrNotParticipant
	case err != nil:
		return Outcome{}, err
	}

	if out, done, err := e.claim(ctx, challengeID, ResolutionSettle); err != nil || done {
		return out, err
	}

	if c.WinnerID == "" {
		ok, err := e.repo.SetWinner(ctx, challengeID, plan.WinnerID)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			if c, err = e.repo.GetChallenge(ctx, challengeID); err != nil {
				return Outcome{}, err
			}
			if c.WinnerID == "" {
				return Outcome{}, ErrResolutionInProgress
			}
			if plan, err = e.resolve(c, parts, subs, c.WinnerID); err != nil {
				return Outcome{}, err
			}
		}
	}

	if err := e.holdsClaim(ctx, challengeID, ResolutionSettle); err != nil {
		return Outcome{}, err
	}
	if err := e.reward(ctx, c, plan); err != nil {
		return Outcome{}, err
	}

	byID := make(map[string]Participation, len(parts))
	for _, p := range parts {
		byID[p.ParticipantID] = p
	}
	for _, r := range plan.Refunds {
		if byID[r.ParticipantID].Refunded {
			continue
		}
		if err := e.holdsClaim(ctx, challengeID, ResolutionSettle); err != nil {
			return Outcome{}, err
		}
		if _, err := e.refund(ctx, c, r.ParticipantID); err != nil {
			return Outcome{}, err
		}
	}

	if _, err := e.repo.TransitionStatus(ctx, challengeID, StatusClosed, StatusSettled); err != nil {
		return Outcome{}, err
	}
	metrics.ObserveEscrow("settled")
	e.logger.Info("challenge settled",
		slog.String("challenge_id", challengeID),
		slog.String("winner_id", plan.WinnerID),
		slog.Int64("reward", plan.Reward),
		slog.Int("refunds", len(plan.Refunds)),
	)

	if c, err = e.repo.GetChallenge(ctx, challengeID); err != nil {
		return Outcome{}, err
	}
	out, err := e.priorOutcome(ctx, c)
	out.Replayed = false
	return out, err
}

// claim takes the resolution claim for r. When the claim is lost to a
// challenge that has since finished, the finished outcome is returned instead.
func (e *Escrow) claim(ctx context.Context, challengeID string, r Resolution) (Outcome, bool, error) {
	ok, err := e.repo.ClaimResolution(ctx, challengeID, r)
	if err != nil || ok {
		return Outcome{}, false, err
	}
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Outcome{}, false, err
	}
	if c.Status.Terminal() {
		out, err := e.priorOutcome(ctx, c)
		return out, true, err
	}
	return Outcome{}, false, ErrResolutionInProgress
}

// holdsClaim re-reads the challenge and fails unless r still holds its claim.
func (e *Escrow) holdsClaim(ctx context.Context, challengeID string, r Resolution) error {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if c.Resolution != r {
		return ErrResolutionInProgress
	}
	return nil
}

func (e *Escrow) resolve(c Challenge, parts []Participation, subs []Submission, override string) (payout.Plan, error) {
	in := payout.Input{
		Kind:           c.Kind,
		Reward:         c.Reward,
		EntryFee:       c.EntryFee,
		ClosesAt:       c.ClosesAt,
		WinnerOverride: override,
		LoserPolicy:    e.policy,
	}
	for _, p := range parts {
		in.Participants = append(in.Participants, p.ParticipantID)
	}
	for _, s := range subs {
		in.Submissions = append(in.Submissions, payout.Entry{
			ParticipantID: s.ParticipantID,
			SubmittedAt:   s.SubmittedAt,
			Votes:         s.Votes,
			Score:         s.Score,
		})
	}
	return payout.Resolve(in)
}

func (e *Escrow) reward(ctx context.Context, c Challenge, plan payout.Plan) error {
	if plan.Reward > 0 {
		txn, err := e.ledger.Credit(ctx, ledger.Posting{
			OwnerID:        plan.WinnerID,
			Amount:         plan.Reward,
			Category:       ledger.CategoryChallengeReward,
			ReferenceID:    c.ID,
			IdempotencyKey: rewardKey(c.ID),
			Description:    "challenge reward",
		})
		if err != nil {
			return err
		}
		if !txn.Replayed {
			e.notify(ctx, notification.Message{
				Kind:        notification.KindChallengeReward,
				Destination: plan.WinnerID,
				Body:        fmt.Sprintf("You won challenge %s", c.ID),
				Data:        map[string]any{"challenge_id": c.ID, "amount": plan.Reward, "transaction_id": txn.ID},
			})
		}
	}
	_, err := e.repo.MarkRewarded(ctx, c.ID, plan.WinnerID)
	return err
}

// refund credits the entry fee back and flags the participation when one
// exists. A zero entry fee only flags.
func (e *Escrow) refund(ctx context.Context, c Challenge, participantID string) (bool, error) {
	if c.EntryFee > 0 {
		txn, err := e.ledger.Credit(ctx, ledger.Posting{
			OwnerID:        participantID,
			Amount:         c.EntryFee,
			Category:       ledger.CategoryChallengeRefund,
			ReferenceID:    c.ID,
			IdempotencyKey: refundKey(c.ID, participantID),
			Description:    "challenge entry refund",
		})
		if err != nil {
			return false, err
		}
		if !txn.Replayed {
			metrics.ObserveEscrow("refunded")
			e.notify(ctx, notification.Message{
				Kind:        notification.KindChallengeRefund,
				Destination: participantID,
				Body:        fmt.Sprintf("Entry fee for challenge %s refunded", c.ID),
				Data:        map[string]any{"challenge_id": c.ID, "amount": c.EntryFee, "transaction_id": txn.ID},
			})
		}
	}
	ok, err := e.repo.MarkRefunded(ctx, c.ID, participantID)
	if errors.Is(err, ErrNotParticipant) {
		return false, nil
	}
	return ok, err
}

func (e *Escrow) notify(ctx context.Context, msg notification.Message) {
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.logger.Warn("notification failed",
			slog.String("kind", msg.Kind),
			slog.String("destination", msg.Destination),
			slog.Any("error", err),
		)
	}
}

func (e *Escrow) priorOutcome(ctx context.Context, c Challenge) (Outcome, error) {
	parts, err := e.repo.ListParticipations(ctx, c.ID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ChallengeID: c.ID, Status: c.Status, Replayed: true, Refunded: []string{}}
	if c.Status == StatusSettled {
		out.WinnerID = c.WinnerID
		out.Reward = c.Reward
	}
	for _, p := range parts {
		if p.Refunded {
			out.Refunded = append(out.Refunded, p.ParticipantID)
		}
	}
	return out, nil
}
