// Package payout decides who is owed what once a challenge has concluded. It
// performs no I/O; the escrow feeds it a snapshot and applies the plan.
package payout

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNoValidSubmissions is returned when no participant produced a
	// submission that can win.
	ErrNoValidSubmissions = errors.New("no valid submissions")

	// ErrUnknownWinner is returned when an override names a non-participant.
	ErrUnknownWinner = errors.New("winner is not a participant")

	// ErrUnknownKind is returned for a challenge kind the resolver cannot rank.
	ErrUnknownKind = errors.New("unknown challenge kind")
)

// Kind selects how submissions are ranked.
type Kind string

const (
	KindVote     Kind = "vote"
	KindCriteria Kind = "criteria"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindVote || k == KindCriteria
}

// LoserPolicy controls what happens to the entry fees of non-winners.
type LoserPolicy string

const (
	// LoserForfeit keeps losers' entry fees in escrow.
	LoserForfeit LoserPolicy = "forfeit"
	// LoserRefund returns the entry fee to every participant except the winner.
	LoserRefund LoserPolicy = "refund"
)

// ParseLoserPolicy accepts "forfeit" or "refund"; empty means forfeit.
func ParseLoserPolicy(raw string) (LoserPolicy, error) {
	switch LoserPolicy(raw) {
	case "", LoserForfeit:
		return LoserForfeit, nil
	case LoserRefund:
		return LoserRefund, nil
	default:
		return "", fmt.Errorf("unknown loser policy %q", raw)
	}
}

// Entry is one participant's submission as seen by the resolver.
type Entry struct {
	ParticipantID string
	SubmittedAt   time.Time
	Votes         int64
	Score         int64
}

// Input is the snapshot of a concluded challenge.
type Input struct {
	Kind           Kind
	Reward         int64
	EntryFee       int64
	ClosesAt       *time.Time
	Participants   []string
	Submissions    []Entry
	WinnerOverride string
	LoserPolicy    LoserPolicy
}

// Refund is an amount owed back to a participant.
type Refund struct {
	ParticipantID string
	Amount        int64
}

// Plan lists every payment the escrow must make.
type Plan struct {
	WinnerID string
	Reward   int64
	Refunds  []Refund
}

// Resolve computes the payout plan. Ranking is total: the highest votes (or
// score) wins, ties go to the earliest submission and then to the smallest
// participant id.
func Resolve(in Input) (Plan, error) {
	if !in.Kind.Valid() {
		return Plan{}, ErrUnknownKind
	}

	members := make(map[string]struct{}, len(in.Participants))
	for _, p := range in.Participants {
		members[p] = struct{}{}
	}

	winner := in.WinnerOverride
	if winner != "" {
		if _, ok := members[winner]; !ok {
			return Plan{}, ErrUnknownWinner
		}
	} else {
		ranked := validEntries(in, members)
		if len(ranked) == 0 {
			return Plan{}, ErrNoValidSubmissions
		}
		sort.Slice(ranked, func(i, j int) bool {
			return outranks(in.Kind, ranked[i], ranked[j])
		})
		winner = ranked[0].ParticipantID
	}

	plan := Plan{WinnerID: winner, Reward: in.Reward}
	if in.LoserPolicy == LoserRefund && in.EntryFee > 0 {
		losers := make([]string, 0, len(members))
		for p := range members {
			if p != winner {
				losers = append(losers, p)
			}
		}
		sort.Strings(losers)
		for _, p := range losers {
			plan.Refunds = append(plan.Refunds, Refund{ParticipantID: p, Amount: in.EntryFee})
		}
	}
	return plan, nil
}

func validEntries(in Input, members map[string]struct{}) []Entry {
	seen := make(map[string]struct{}, len(in.Submissions))
	out := make([]Entry, 0, len(in.Submissions))
	for _, e := range in.Submissions {
		if _, ok := members[e.ParticipantID]; !ok {
			continue
		}
		if in.ClosesAt != nil && e.SubmittedAt.After(*in.ClosesAt) {
			continue
		}
		if _, dup := seen[e.ParticipantID]; dup {
			continue
		}
		seen[e.ParticipantID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func outranks(kind Kind, a, b Entry) bool {
	av, bv := a.Votes, b.Votes
	if kind == KindCriteria {
		av, bv = a.Score, b.Score
	}
	if av != bv {
		return av > bv
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ParticipantID < b.ParticipantID
}
