package payout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestResolve_VoteTieGoesToEarliestSubmission(t *testing.T) {
	plan, err := Resolve(Input{
		Kind:         KindVote,
		Reward:       500,
		EntryFee:     50,
		Participants: []string{"alice", "bob"},
		Submissions: []Entry{
			{ParticipantID: "bob", SubmittedAt: base.Add(2 * time.Minute), Votes: 3},
			{ParticipantID: "alice", SubmittedAt: base.Add(time.Minute), Votes: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", plan.WinnerID)
	assert.Equal(t, int64(500), plan.Reward)
	assert.Empty(t, plan.Refunds, "forfeit is the default policy")
}

func TestResolve_IdenticalTimestampsFallBackToParticipantID(t *testing.T) {
	plan, err := Resolve(Input{
		Kind:         KindCriteria,
		Participants: []string{"zed", "amy"},
		Submissions: []Entry{
			{ParticipantID: "zed", SubmittedAt: base, Score: 90},
			{ParticipantID: "amy", SubmittedAt: base, Score: 90},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "amy", plan.WinnerID)
}

func TestResolve_CriteriaRanksByScore(t *testing.T) {
	plan, err := Resolve(Input{
		Kind:         KindCriteria,
		Participants: []string{"a", "b", "c"},
		Submissions: []Entry{
			{ParticipantID: "a", SubmittedAt: base, Score: 10, Votes: 99},
			{ParticipantID: "b", SubmittedAt: base.Add(time.Second), Score: 40},
			{ParticipantID: "c", SubmittedAt: base.Add(2 * time.Second), Score: 20},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", plan.WinnerID)
}

func TestResolve_IgnoresLateAndForeignSubmissions(t *testing.T) {
	closes := base.Add(time.Hour)
	plan, err := Resolve(Input{
		Kind:         KindVote,
		ClosesAt:     &closes,
		Participants: []string{"early", "late"},
		Submissions: []Entry{
			{ParticipantID: "late", SubmittedAt: closes.Add(time.Second), Votes: 10},
			{ParticipantID: "stranger", SubmittedAt: base, Votes: 50},
			{ParticipantID: "early", SubmittedAt: base, Votes: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "early", plan.WinnerID)
}

func TestResolve_NoValidSubmissions(t *testing.T) {
	closes := base
	_, err := Resolve(Input{
		Kind:         KindVote,
		ClosesAt:     &closes,
		Participants: []string{"a"},
		Submissions:  []Entry{{ParticipantID: "a", SubmittedAt: base.Add(time.Minute)}},
	})
	assert.ErrorIs(t, err, ErrNoValidSubmissions)

	_, err = Resolve(Input{Kind: KindVote})
	assert.ErrorIs(t, err, ErrNoValidSubmissions)
}

func TestResolve_OverrideAndRefundPolicy(t *testing.T) {
	plan, err := Resolve(Input{
		Kind:           KindVote,
		Reward:         300,
		EntryFee:       25,
		Participants:   []string{"c", "a", "b"},
		Submissions:    []Entry{{ParticipantID: "a", SubmittedAt: base, Votes: 7}},
		WinnerOverride: "b",
		LoserPolicy:    LoserRefund,
	})
	require.NoError(t, err)
	assert.Equal(t, "b", plan.WinnerID)
	assert.Equal(t, []Refund{{ParticipantID: "a", Amount: 25}, {ParticipantID: "c", Amount: 25}}, plan.Refunds)

	_, err = Resolve(Input{Kind: KindVote, Participants: []string{"a"}, WinnerOverride: "x"})
	assert.ErrorIs(t, err, ErrUnknownWinner)
}

func TestResolve_RejectsUnknownKind(t *testing.T) {
	_, err := Resolve(Input{Kind: "lottery"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseLoserPolicy(t *testing.T) {
	p, err := ParseLoserPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LoserForfeit, p)

	p, err = ParseLoserPolicy("refund")
	require.NoError(t, err)
	assert.Equal(t, LoserRefund, p)

	_, err = ParseLoserPolicy("split")
	assert.Error(t, err)
}
