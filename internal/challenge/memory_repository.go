package challenge

import (
	"context"
	"sort"
	"sync"
	"time"
)

type participationKey struct {
	challengeID   string
	participantID string
}

type voteKey struct {
	challengeID string
	voterID     string
}

type memoryRepository struct {
	mu             sync.RWMutex
	challenges     map[string]Challenge
	participations map[participationKey]Participation
	submissions    map[participationKey]Submission
	votes          map[voteKey]string
}

// NewMemoryRepository constructs an in-memory repository for tests and the
// memory store driver.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		challenges:     make(map[string]Challenge),
		participations: make(map[participationKey]Participation),
		submissions:    make(map[participationKey]Submission),
		votes:          make(map[voteKey]string),
	}
}

func (r *memoryRepository) CreateChallenge(_ context.Context, c Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.challenges[c.ID]; exists {
		return ErrInvalidChallenge
	}
	r.challenges[c.ID] = c
	return nil
}

func (r *memoryRepository) GetChallenge(_ context.Context, id string) (Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, nil
}

func (r *memoryRepository) TransitionStatus(_ context.Context, id string, from, to Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return false, ErrChallengeNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	r.challenges[id] = c
	return true, nil
}

func (r *memoryRepository) ClaimResolution(_ context.Context, id string, res Resolution) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return false, ErrChallengeNotFound
	}
	if c.Status != StatusClosed {
		return false, nil
	}
	switch c.Resolution {
	case res:
		return true, nil
	case ResolutionNone:
	default:
		return false, nil
	}
	c.Resolution = res
	c.UpdatedAt = time.Now().UTC()
	r.challenges[id] = c
	return true, nil
}

func (r *memoryRepository) SetWinner(_ context.Context, id, winnerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return false, ErrChallengeNotFound
	}
	if c.WinnerID != "" || c.Resolution != ResolutionSettle {
		return false, nil
	}
	c.WinnerID = winnerID
	c.UpdatedAt = time.Now().UTC()
	r.challenges[id] = c
	return true, nil
}

func (r *memoryRepository) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.challenges {
		if c.Status == StatusOpen && c.ClosesAt != nil && !c.ClosesAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memoryRepository) CreateParticipation(_ context.Context, p Participation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[p.ChallengeID]
	if !ok {
		return ErrChallengeNotFound
	}
	key := participationKey{p.ChallengeID, p.ParticipantID}
	if _, exists := r.participations[key]; exists {
		return ErrAlreadyJoined
	}
	if c.Status != StatusOpen {
		return ErrChallengeNotOpen
	}
	r.participations[key] = p
	return nil
}

func (r *memoryRepository) GetParticipation(_ context.Context, challengeID, participantID string) (Participation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participations[participationKey{challengeID, participantID}]
	if !ok {
		return Participation{}, ErrNotParticipant
	}
	return p, nil
}

func (r *memoryRepository) ListParticipations(_ context.Context, challengeID string) ([]Participation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Participation{}
	for key, p := range r.participations {
		if key.challengeID == challengeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *memoryRepository) MarkRefunded(_ context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(challengeID, participantID, func(p *Participation) bool {
		if p.Refunded || p.Rewarded {
			return false
		}
		p.Refunded = true
		return true
	})
}

func (r *memoryRepository) MarkRewarded(_ context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(challengeID, participantID, func(p *Participation) bool {
		if p.Refunded || p.Rewarded {
			return false
		}
		p.Rewarded = true
		return true
	})
}

func (r *memoryRepository) mark(challengeID, participantID string, apply func(p *Participation) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := participationKey{challengeID, participantID}
	p, ok := r.participations[key]
	if !ok {
		return false, ErrNotParticipant
	}
	if !apply(&p) {
		return false, nil
	}
	r.participations[key] = p
	return true, nil
}

func (r *memoryRepository) UpsertSubmission(_ context.Context, s Submission) (Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := participationKey{s.ChallengeID, s.ParticipantID}
	if _, ok := r.participations[key]; !ok {
		return Submission{}, ErrNotParticipant
	}
	if existing, ok := r.submissions[key]; ok {
		return existing, nil
	}
	r.submissions[key] = s
	return s, nil
}

func (r *memoryRepository) AddVote(_ context.Context, challengeID, voterID, participantID string) (Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := participationKey{challengeID, participantID}
	s, ok := r.submissions[key]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	vk := voteKey{challengeID, voterID}
	if _, voted := r.votes[vk]; voted {
		return Submission{}, ErrAlreadyVoted
	}
	r.votes[vk] = participantID
	s.Votes++
	r.submissions[key] = s
	return s, nil
}

func (r *memoryRepository) SetScore(_ context.Context, challengeID, participantID string, score int64) (Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := participationKey{challengeID, participantID}
	s, ok := r.submissions[key]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	s.Score = score
	r.submissions[key] = s
	return s, nil
}

func (r *memoryRepository) ListSubmissions(_ context.Context, challengeID string) ([]Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Submission{}
	for key, s := range r.submissions {
		if key.challengeID == challengeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
