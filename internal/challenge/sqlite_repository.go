package challenge

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/techcoin/techcoin/internal/payout"
)

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a challenge repository on an embedded SQLite
// database. Timestamps are stored as unix nanoseconds.
func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

const sqliteChallengeColumns = `id, title, kind, entry_fee, reward, status, COALESCE(resolution, ''),
        closes_at, COALESCE(winner_id, ''), created_at, updated_at`

const sqliteParticipationColumns = `challenge_id, participant_id, COALESCE(entry_transaction_id, ''),
        refunded, rewarded, joined_at`

const sqliteSubmissionColumns = `challenge_id, participant_id, content, submitted_at, votes, score`

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (r *sqliteRepository) CreateChallenge(ctx context.Context, c Challenge) error {
	var closesAt sql.NullInt64
	if c.ClosesAt != nil {
		closesAt = sql.NullInt64{Int64: nanos(*c.ClosesAt), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO challenges
        (id, title, kind, entry_fee, reward, status, closes_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, string(c.Kind), c.EntryFee, c.Reward, string(c.Status), closesAt,
		nanos(c.CreatedAt), nanos(c.CreatedAt))
	return err
}

func (r *sqliteRepository) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteChallengeColumns+` FROM challenges WHERE id = ?`, id)
	c, err := scanSQLiteChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, err
}

func (r *sqliteRepository) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE challenges SET status = ?, updated_at = ?
        WHERE id = ? AND status = ?`, string(to), nanos(time.Now()), id, string(from))
	return r.applied(ctx, res, err, id)
}

func (r *sqliteRepository) ClaimResolution(ctx context.Context, id string, resolution Resolution) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE challenges SET resolution = ?, updated_at = ?
        WHERE id = ? AND status = 'CLOSED' AND (resolution IS NULL OR resolution = ?)`,
		string(resolution), nanos(time.Now()), id, string(resolution))
	return r.applied(ctx, res, err, id)
}

func (r *sqliteRepository) SetWinner(ctx context.Context, id, winnerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE challenges SET winner_id = ?, updated_at = ?
        WHERE id = ? AND winner_id IS NULL AND resolution = 'settle'`, winnerID, nanos(time.Now()), id)
	return r.applied(ctx, res, err, id)
}

// applied turns a conditional update result into (changed, error), telling a
// missing challenge apart from an unmet condition.
func (r *sqliteRepository) applied(ctx context.Context, res sql.Result, err error, id string) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrChallengeNotFound
	}
	return false, nil
}

func (r *sqliteRepository) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM challenges
        WHERE status = 'OPEN' AND closes_at IS NOT NULL AND closes_at <= ?
        ORDER BY closes_at, id`, nanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteRepository) CreateParticipation(ctx context.Context, p Participation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM challenges WHERE id = ?`, p.ChallengeID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChallengeNotFound
		}
		return err
	}

	var joined bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM participations
        WHERE challenge_id = ? AND participant_id = ?)`, p.ChallengeID, p.ParticipantID).Scan(&joined); err != nil {
		return err
	}
	if joined {
		return ErrAlreadyJoined
	}
	if Status(status) != StatusOpen {
		return ErrChallengeNotOpen
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO participations
        (challenge_id, participant_id, entry_transaction_id, joined_at)
        VALUES (?, ?, NULLIF(?, ''), ?)`,
		p.ChallengeID, p.ParticipantID, p.EntryTransactionID, nanos(p.JoinedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepository) GetParticipation(ctx context.Context, challengeID, participantID string) (Participation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteParticipationColumns+` FROM participations
        WHERE challenge_id = ? AND participant_id = ?`, challengeID, participantID)
	p, err := scanSQLiteParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Participation{}, ErrNotParticipant
	}
	return p, err
}

func (r *sqliteRepository) ListParticipations(ctx context.Context, challengeID string) ([]Participation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteParticipationColumns+` FROM participations
        WHERE challenge_id = ? ORDER BY joined_at, participant_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Participation{}
	for rows.Next() {
		p, err := scanSQLiteParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *sqliteRepository) MarkRefunded(ctx context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(ctx, challengeID, participantID, "refunded")
}

func (r *sqliteRepository) MarkRewarded(ctx context.Context, challengeID, participantID string) (bool, error) {
	return r.mark(ctx, challengeID, participantID, "rewarded")
}

func (r *sqliteRepository) mark(ctx context.Context, challengeID, participantID, column string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE participations SET `+column+` = 1
        WHERE challenge_id = ? AND participant_id = ? AND refunded = 0 AND rewarded = 0`,
		challengeID, participantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetParticipation(ctx, challengeID, participantID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *sqliteRepository) UpsertSubmission(ctx context.Context, s Submission) (Submission, error) {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO submissions
        (challenge_id, participant_id, content, submitted_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (challenge_id, participant_id) DO NOTHING`,
		s.ChallengeID, s.ParticipantID, s.Content, nanos(s.SubmittedAt)); err != nil {
		return Submission{}, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteSubmissionColumns+` FROM submissions
        WHERE challenge_id = ? AND participant_id = ?`, s.ChallengeID, s.ParticipantID)
	return scanSQLiteSubmission(row)
}

func (r *sqliteRepository) AddVote(ctx context.Context, challengeID, voterID, participantID string) (Submission, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, err
	}
	defer tx.Rollback() // nolint:errcheck

	res, err := tx.ExecContext(ctx, `INSERT INTO votes (challenge_id, voter_id, participant_id, cast_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (challenge_id, voter_id) DO NOTHING`,
		challengeID, voterID, participantID, nanos(time.Now()))
	if err != nil {
		return Submission{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Submission{}, err
	} else if n == 0 {
		return Submission{}, ErrAlreadyVoted
	}

	row := tx.QueryRowContext(ctx, `UPDATE submissions SET votes = votes + 1
        WHERE challenge_id = ? AND participant_id = ?
        RETURNING `+sqliteSubmissionColumns, challengeID, participantID)
	s, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrSubmissionNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	return s, tx.Commit()
}

func (r *sqliteRepository) SetScore(ctx context.Context, challengeID, participantID string, score int64) (Submission, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE submissions SET score = ?
        WHERE challenge_id = ? AND participant_id = ?
        RETURNING `+sqliteSubmissionColumns, score, challengeID, participantID)
	s, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrSubmissionNotFound
	}
	return s, err
}

func (r *sqliteRepository) ListSubmissions(ctx context.Context, challengeID string) ([]Submission, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteSubmissionColumns+` FROM submissions
        WHERE challenge_id = ? ORDER BY submitted_at, participant_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Submission{}
	for rows.Next() {
		s, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteChallenge(row rowScanner) (Challenge, error) {
	var (
		c                        Challenge
		kind, status, resolution string
		closesAt                 sql.NullInt64
		created, updated         int64
	)
	if err := row.Scan(&c.ID, &c.Title, &kind, &c.EntryFee, &c.Reward, &status, &resolution, &closesAt,
		&c.WinnerID, &created, &updated); err != nil {
		return Challenge{}, err
	}
	c.Kind = payout.Kind(kind)
	c.Status = Status(status)
	c.Resolution = Resolution(resolution)
	if closesAt.Valid {
		t := fromNanos(closesAt.Int64)
		c.ClosesAt = &t
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}

func scanSQLiteParticipation(row rowScanner) (Participation, error) {
	var (
		p      Participation
		joined int64
	)
	if err := row.Scan(&p.ChallengeID, &p.ParticipantID, &p.EntryTransactionID, &p.Refunded, &p.Rewarded, &joined); err != nil {
		return Participation{}, err
	}
	p.JoinedAt = fromNanos(joined)
	return p, nil
}

func scanSQLiteSubmission(row rowScanner) (Submission, error) {
	var (
		s         Submission
		submitted int64
	)
	if err := row.Scan(&s.ChallengeID, &s.ParticipantID, &s.Content, &submitted, &s.Votes, &s.Score); err != nil {
		return Submission{}, err
	}
	s.SubmittedAt = fromNanos(submitted)
	return s, nil
}
