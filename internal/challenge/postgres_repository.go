package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techcoin/techcoin/internal/payout"
)

type postgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a challenge repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const pgChallengeColumns = `id, title, kind, entry_fee, reward, status, COALESCE(resolution, ''),
        closes_at, COALESCE(winner_id, ''), created_at, updated_at`

const pgParticipationColumns = `challenge_id, participant_id, COALESCE(entry_transaction_id, ''),
        refunded, rewarded, joined_at`

const pgSubmissionColumns = `challenge_id, participant_id, content, submitted_at, votes, score`

// parseID maps malformed ids onto ErrChallengeNotFound; they can never match a row.
func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, ErrChallengeNotFound
	}
	return parsed, nil
}

func (r *postgresRepository) CreateChallenge(ctx context.Context, c Challenge) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO challenges
        (id, title, kind, entry_fee, reward, status, closes_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		id, c.Title, string(c.Kind), c.EntryFee, c.Reward, string(c.Status), c.ClosesAt, c.CreatedAt)
	return err
}

func (r *postgresRepository) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	cid, err := parseID(id)
	if err != nil {
		return Challenge{}, err
	}
	row := r.db.QueryRow(ctx, `SELECT `+pgChallengeColumns+` FROM challenges WHERE id = $1`, cid)
	c, err := scanPgChallenge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, err
}

func (r *postgresRepository) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	cid, err := parseID(id)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `UPDATE challenges SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2`, cid, string(from), string(to))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, cid)
}

func (r *postgresRepository) ClaimResolution(ctx context.Context, id string, resolution Resolution) (bool, error) {
	cid, err := parseID(id)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `UPDATE challenges SET resolution = $2, updated_at = now()
        WHERE id = $1 AND status = 'CLOSED' AND (resolution IS NULL OR resolution = $2)`,
		cid, string(resolution))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, cid)
}

func (r *postgresRepository) SetWinner(ctx context.Context, id, winnerID string) (bool, error) {
	cid, err := parseID(id)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `UPDATE challenges SET winner_id = $2, updated_at = now()
        WHERE id = $1 AND winner_id IS NULL AND resolution = 'settle'`, cid, winnerID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, cid)
}

func (r *postgresRepository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrChallengeNotFound
	}
	return nil
}

func (r *postgresRepository) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM challenges
        WHERE status = 'OPEN' AND closes_at IS NOT NULL AND closes_at <= $1
        ORDER BY closes_at, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

// CreateParticipation holds a share lock on the challenge row so a concurrent
// status change waits until the participation is committed or rejected.
func (r *postgresRepository) CreateParticipation(ctx context.Context, p Participation) error {
	cid, err := parseID(p.ChallengeID)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM challenges WHERE id = $1 FOR SHARE`, cid).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChallengeNotFound
		}
		return err
	}

	var joined bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM participations
        WHERE challenge_id = $1 AND participant_id = $2)`, cid, p.ParticipantID).Scan(&joined); err != nil {
		return err
	}
	if joined {
		return ErrAlreadyJoined
	}
	if Status(status) != StatusOpen {
		return ErrChallengeNotOpen
	}

	tag, err := tx.Exec(ctx, `INSERT INTO participations
        (challenge_id, participant_id, entry_transaction_id, joined_at)
        VALUES ($1, $2, NULLIF($3, ''), $4)
        ON CONFLICT (challenge_id, participant_id) DO NOTHING`,
		cid, p.ParticipantID, p.EntryTransactionID, p.JoinedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyJoined
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) GetParticipation(ctx context.Context, challengeID, participantID string) (Participation, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return Participation{}, err
	}
	row := r.db.QueryRow(ctx, `SELECT `+pgParticipationColumns+` FROM participations
        WHERE challenge_id = $1 AND participant_id = $2`, cid, participantID)
	p, err := scanPgParticipation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participation{}, ErrNotParticipant
	}
	return p, err
}

func (r *postgresRepository) ListParticipations(ctx context.Context, challengeID string) ([]Participation, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+pgParticipationColumns+` FROM participations
        WHERE challenge_id = $1 ORDER BY joined_at, participant_id`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Participation{}
	for rows.Next() {
		p, err := scanPgParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *postgresRepository) MarkRefunded(ctx context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(ctx, challengeID, participantID, "refunded")
}

func (r *postgresRepository) MarkRewarded(ctx context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(ctx, challengeID, participantID, "rewarded")
}

func (r *postgresRepository) mark(ctx context.Context, challengeID, participantID, column string) (bool, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `UPDATE participations SET `+column+` = TRUE
        WHERE challenge_id = $1 AND participant_id = $2 AND NOT refunded AND NOT rewarded`,
		cid, participantID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetParticipation(ctx, challengeID, participantID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *postgresRepository) UpsertSubmission(ctx context.Context, s Submission) (Submission, error) {
	cid, err := parseID(s.ChallengeID)
	if err != nil {
		return Submission{}, err
	}
	row := r.db.QueryRow(ctx, `
        WITH inserted AS (
            INSERT INTO submissions (challenge_id, participant_id, content, submitted_at)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (challenge_id, participant_id) DO NOTHING
            RETURNING `+pgSubmissionColumns+`
        )
        SELECT `+pgSubmissionColumns+` FROM inserted
        UNION ALL
        SELECT `+pgSubmissionColumns+` FROM submissions
        WHERE challenge_id = $1 AND participant_id = $2
        LIMIT 1`, cid, s.ParticipantID, s.Content, s.SubmittedAt)
	return scanPgSubmission(row)
}

func (r *postgresRepository) AddVote(ctx context.Context, challengeID, voterID, participantID string) (Submission, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return Submission{}, err
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Submission{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `INSERT INTO votes (challenge_id, voter_id, participant_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (challenge_id, voter_id) DO NOTHING`, cid, voterID, participantID)
	if err != nil {
		return Submission{}, err
	}
	if tag.RowsAffected() == 0 {
		return Submission{}, ErrAlreadyVoted
	}

	row := tx.QueryRow(ctx, `UPDATE submissions SET votes = votes + 1
        WHERE challenge_id = $1 AND participant_id = $2
        RETURNING `+pgSubmissionColumns, cid, participantID)
	s, err := scanPgSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrSubmissionNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	return s, tx.Commit(ctx)
}

func (r *postgresRepository) SetScore(ctx context.Context, challengeID, participantID string, score int64) (Submission, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return Submission{}, err
	}
	row := r.db.QueryRow(ctx, `UPDATE submissions SET score = $3
        WHERE challenge_id = $1 AND participant_id = $2
        RETURNING `+pgSubmissionColumns, cid, participantID, score)
	s, err := scanPgSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrSubmissionNotFound
	}
	return s, err
}

func (r *postgresRepository) ListSubmissions(ctx context.Context, challengeID string) ([]Submission, error) {
	cid, err := parseID(challengeID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+pgSubmissionColumns+` FROM submissions
        WHERE challenge_id = $1 ORDER BY submitted_at, participant_id`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Submission{}
	for rows.Next() {
		s, err := scanPgSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPgChallenge(row pgx.Row) (Challenge, error) {
	var (
		c                        Challenge
		id                       uuid.UUID
		kind, status, resolution string
		closesAt                 *time.Time
	)
	if err := row.Scan(&id, &c.Title, &kind, &c.EntryFee, &c.Reward, &status, &resolution, &closesAt,
		&c.WinnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Challenge{}, err
	}
	c.ID = id.String()
	c.Kind = payout.Kind(kind)
	c.Status = Status(status)
	c.Resolution = Resolution(resolution)
	if closesAt != nil {
		t := closesAt.UTC()
		c.ClosesAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanPgParticipation(row pgx.Row) (Participation, error) {
	var (
		p   Participation
		cid uuid.UUID
	)
	if err := row.Scan(&cid, &p.ParticipantID, &p.EntryTransactionID, &p.Refunded, &p.Rewarded, &p.JoinedAt); err != nil {
		return Participation{}, err
	}
	p.ChallengeID = cid.String()
	p.JoinedAt = p.JoinedAt.UTC()
	return p, nil
}

func scanPgSubmission(row pgx.Row) (Submission, error) {
	var (
		s   Submission
		cid uuid.UUID
	)
	if err := row.Scan(&cid, &s.ParticipantID, &s.Content, &s.SubmittedAt, &s.Votes, &s.Score); err != nil {
		return Submission{}, err
	}
	s.ChallengeID = cid.String()
	s.SubmittedAt = s.SubmittedAt.UTC()
	return s, nil
}
