package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"shiftline/internal/domain"
	"shiftline/internal/engine/auth"
	"shiftline/internal/events"
	"shiftline/internal/repo"
)

type RatingOptions struct {
	ShiftID string
	RaterID string
	RatedID string
	Score   int
	Comment string
}

type RatingResult struct {
	Accepted   bool                  `json:"accepted"`
	Rating     domain.Rating         `json:"rating"`
	Reputation domain.UserReputation `json:"reputation"`
	// ReputationStale is set when the rating committed but the aggregate could not be
	// recomputed. A later recompute repairs it.
	ReputationStale bool `json:"reputation_stale,omitempty"`
}

// SubmitRating stores one rating per rater and completed shift, then recomputes the rated
// party's aggregate before returning.
func (e Engine) SubmitRating(ctx context.Context, opts RatingOptions) (RatingResult, error) {
	cfg := e.cfg()
	switch {
	case opts.ShiftID == "":
		return RatingResult{}, invalid("shift_id", "required")
	case opts.RaterID == "":
		return RatingResult{}, invalid("rater_id", "required")
	case opts.RatedID == "":
		return RatingResult{}, invalid("rated_party_id", "required")
	case opts.RaterID == opts.RatedID:
		return RatingResult{}, invalid("rated_party_id", "cannot rate yourself")
	case opts.Score < cfg.Ratings.MinScore || opts.Score > cfg.Ratings.MaxScore:
		return RatingResult{}, invalid("score", fmt.Sprintf("must be between %d and %d", cfg.Ratings.MinScore, cfg.Ratings.MaxScore))
	}
	comment := strings.TrimSpace(opts.Comment)
	if utf8.RuneCountInString(comment) > cfg.Ratings.CommentMaxLength {
		return RatingResult{}, invalid("comment", fmt.Sprintf("must be at most %d characters", cfg.Ratings.CommentMaxLength))
	}
	log := e.log(ctx).With("operation", "rate", "shift_id", opts.ShiftID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RatingResult{}, err
	}
	defer tx.Rollback()

	s, err := e.shiftTx(ctx, tx, opts.ShiftID)
	if err != nil {
		return RatingResult{}, err
	}
	if s.Status != domain.ShiftCompleted {
		return RatingResult{}, fmt.Errorf("%w: shift is %s", ErrShiftNotCompleted, s.Status)
	}
	if err := auth.RequireCounterpart(s, opts.RaterID, opts.RatedID); err != nil {
		return RatingResult{}, err
	}
	exists, err := e.Repo.HasRatingTx(ctx, tx, s.ID, opts.RaterID)
	if err != nil {
		return RatingResult{}, err
	}
	if exists {
		return RatingResult{}, ErrDuplicateRating
	}
	rt := domain.Rating{
		ID:        uuid.NewString(),
		ShiftID:   s.ID,
		RaterID:   opts.RaterID,
		RatedID:   opts.RatedID,
		Score:     opts.Score,
		Comment:   comment,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertRatingTx(ctx, tx, rt); err != nil {
		if repo.IsUniqueViolation(err) {
			return RatingResult{}, ErrDuplicateRating
		}
		return RatingResult{}, fmt.Errorf("insert rating: %w", err)
	}
	w := e.writer()
	if err := w.Append(ctx, tx, "rating.submitted", "rating", rt.ID, rt.RaterID, events.EventPayload{
		"shift_id": s.ID, "rated_id": rt.RatedID, "score": rt.Score,
	}); err != nil {
		return RatingResult{}, err
	}
	if err := w.Notify(ctx, tx, rt.RatedID, "rating.received", events.EventPayload{
		"shift_id": s.ID, "rating_id": rt.ID, "score": rt.Score,
	}); err != nil {
		return RatingResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RatingResult{}, err
	}
	e.kick()

	res := RatingResult{Accepted: true, Rating: rt}
	rep, err := e.RecomputeReputation(ctx, rt.RatedID)
	if err != nil {
		log.Warn("reputation recompute failed", "user_id", rt.RatedID, "error", err, "error_kind", KindInternal)
		res.ReputationStale = true
		res.Reputation = domain.UserReputation{UserID: rt.RatedID}
		return res, nil
	}
	res.Reputation = rep
	return res, nil
}

// RecomputeReputation re-averages every stored rating for userID and replaces the
// aggregate. The totals are read under a per-user lock, so a slower recompute can never
// overwrite a newer aggregate with older totals.
func (e Engine) RecomputeReputation(ctx context.Context, userID string) (domain.UserReputation, error) {
	if userID == "" {
		return domain.UserReputation{}, invalid("user_id", "required")
	}
	for attempt := 1; ; attempt++ {
		rep, err := e.recomputeOnce(ctx, userID)
		if !repo.IsTransient(err) || attempt >= e.attempts() {
			return rep, err
		}
		if err := e.pause(ctx, attempt); err != nil {
			return domain.UserReputation{}, err
		}
	}
}

func (e Engine) recomputeOnce(ctx context.Context, userID string) (domain.UserReputation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserReputation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.LockReputationTx(ctx, tx, userID, e.stamp()); err != nil {
		return domain.UserReputation{}, fmt.Errorf("lock reputation: %w", err)
	}
	sum, count, err := e.Repo.RatingTotalsTx(ctx, tx, userID)
	if err != nil {
		return domain.UserReputation{}, fmt.Errorf("sum ratings: %w", err)
	}
	rep := domain.UserReputation{UserID: userID, Count: count, UpdatedAt: e.stamp()}
	if count > 0 {
		rep.Average = float64(sum) / float64(count)
	}
	if err := e.Repo.UpsertReputationTx(ctx, tx, rep); err != nil {
		return domain.UserReputation{}, fmt.Errorf("store reputation: %w", err)
	}
	if err := e.writer().Append(ctx, tx, "reputation.recomputed", "user", userID, "system", events.EventPayload{
		"average": rep.Average, "count": rep.Count,
	}); err != nil {
		return domain.UserReputation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UserReputation{}, err
	}
	return rep, nil
}

// GetReputation returns the stored aggregate; users never rated get a zero aggregate.
func (e Engine) GetReputation(ctx context.Context, userID string) (domain.UserReputation, error) {
	rep, err := e.Repo.GetReputation(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.UserReputation{UserID: userID}, nil
	}
	return rep, err
}

func (e Engine) ListRatings(ctx context.Context, userID string) ([]domain.Rating, error) {
	return e.Repo.ListRatingsForUser(ctx, userID)
}
