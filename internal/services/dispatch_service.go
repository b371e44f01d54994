package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/models"
)

const maxBroadcastsPerWindow = 5

// DispatchService arbitrates time-boxed instant requests broadcast to
// several candidates. First accept wins: the winner is chosen by a single
// conditional UPDATE on the request row, never by a check-then-set pair, so
// N concurrent accepts produce exactly one winner and N-1 LostRace results.
type DispatchService struct {
	db     *sql.DB
	redis  *redis.Client
	audit  *audit.Logger
	policy *config.SettlementPolicy
}

func NewDispatchService(db *sql.DB, redisClient *redis.Client, auditLogger *audit.Logger, policy *config.SettlementPolicy) *DispatchService {
	return &DispatchService{
		db:     db,
		redis:  redisClient,
		audit:  auditLogger,
		policy: policy,
	}
}

// Broadcast creates an instant request and one pending response per
// candidate in a single transaction.
func (s *DispatchService) Broadcast(ctx context.Context, requesterID string, candidateIDs []string) (*models.InstantRequest, error) {
	if len(candidateIDs) == 0 {
		return nil, errors.New("at least one candidate is required")
	}

	if err := s.reserveBroadcastSlot(ctx, requesterID); err != nil {
		return nil, err
	}

	now := time.Now()
	request := &models.InstantRequest{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		Status:      models.RequestStatusSearching,
		ExpiresAt:   now.Add(s.policy.DispatchRequestTTL),
		CreatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instant_requests (id, requester_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		request.ID, requesterID, request.Status, request.ExpiresAt, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	for _, candidateID := range candidateIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO candidate_responses (request_id, candidate_id, status, created_at)
			VALUES ($1, $2, $3, $4)`,
			request.ID, candidateID, models.ResponseStatusPending, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	log.Printf("[DISPATCH] Broadcast request %s to %d candidates, expires %v", request.ID, len(candidateIDs), request.ExpiresAt)
	return request, nil
}

// Accept attempts to bind a candidate to a searching request. The status
// transition and the precondition are one conditional UPDATE; zero affected
// rows means someone else already won (or the request expired), surfaced as
// LostRace. The loser's own response row is left untouched.
func (s *DispatchService) Accept(ctx context.Context, requestID, candidateID string, etaMinutes int) (*models.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE instant_requests
		SET status = $1, matched_candidate_id = $2, matched_at = $3
		WHERE id = $4 AND status = $5 AND expires_at > $3`,
		models.RequestStatusAccepted, candidateID, now, requestID, models.RequestStatusSearching)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if rowsAffected == 0 {
		return nil, s.classifyLostUpdate(ctx, tx, requestID)
	}

	// Winner: bind this candidate's response, force every other pending
	// response to expired in the same transaction.
	result, err = tx.ExecContext(ctx, `
		UPDATE candidate_responses
		SET status = $1, eta_minutes = $2, responded_at = $3
		WHERE request_id = $4 AND candidate_id = $5 AND status = $6`,
		models.ResponseStatusAccepted, etaMinutes, now, requestID, candidateID, models.ResponseStatusPending)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("no pending response for candidate %s on request %s: %w", candidateID, requestID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE candidate_responses
		SET status = $1, responded_at = $2
		WHERE request_id = $3 AND status = $4`,
		models.ResponseStatusExpired, now, requestID, models.ResponseStatusPending); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "DISPATCH_ACCEPT",
		AccountID: candidateID,
		Status:    models.RequestStatusAccepted,
		Details:   map[string]any{"request_id": requestID, "eta_minutes": etaMinutes},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	log.Printf("[DISPATCH] Request %s matched to candidate %s (ETA %d min)", requestID, candidateID, etaMinutes)
	return &models.Assignment{
		RequestID:   requestID,
		CandidateID: candidateID,
		ETAMinutes:  etaMinutes,
		MatchedAt:   now,
	}, nil
}

// Decline marks the candidate's own response declined without touching the
// request status.
func (s *DispatchService) Decline(ctx context.Context, requestID, candidateID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE candidate_responses
		SET status = $1, responded_at = $2
		WHERE request_id = $3 AND candidate_id = $4 AND status = $5`,
		models.ResponseStatusDeclined, time.Now(), requestID, candidateID, models.ResponseStatusPending)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no pending response for candidate %s on request %s: %w", candidateID, requestID, ErrNotFound)
	}
	s.audit.LogOperation("", candidateID, "DISPATCH_DECLINE", requestID)
	return nil
}

// ExpireOverdue is the background sweep: searching requests past their
// expires_at become expired and their pending responses cascade. Driven by
// wall-clock comparison, so it is safe across process restarts.
func (s *DispatchService) ExpireOverdue(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE candidate_responses
		SET status = $1, responded_at = $2
		WHERE status = $3 AND request_id IN (
			SELECT id FROM instant_requests WHERE status = $4 AND expires_at <= $2
		)`,
		models.ResponseStatusExpired, now, models.ResponseStatusPending, models.RequestStatusSearching); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE instant_requests
		SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		models.RequestStatusExpired, models.RequestStatusSearching, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	expired, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if expired > 0 {
		log.Printf("[DISPATCH] Expired %d overdue instant requests", expired)
	}
	return expired, nil
}

// RunExpirySweep loops ExpireOverdue until the context is cancelled.
func (s *DispatchService) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(s.policy.DispatchSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireOverdue(ctx); err != nil {
				log.Printf("[DISPATCH] Expiry sweep failed: %v", err)
			}
		}
	}
}

// classifyLostUpdate decides what a zero-row accept means. Most of the time
// another candidate won; an overdue request is lazily expired here rather
// than waiting for the sweep.
func (s *DispatchService) classifyLostUpdate(ctx context.Context, tx *sql.Tx, requestID string) error {
	var status string
	var expiresAt time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT status, expires_at FROM instant_requests WHERE id = $1`,
		requestID).Scan(&status, &expiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("instant request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if status == models.RequestStatusSearching && !expiresAt.After(time.Now()) {
		go func() {
			if _, err := s.ExpireOverdue(context.Background()); err != nil {
				log.Printf("[DISPATCH] Lazy expiry failed for request %s: %v", requestID, err)
			}
		}()
	}

	return fmt.Errorf("instant request %s is %s: %w", requestID, status, ErrLostRace)
}

// reserveBroadcastSlot counts the broadcast against the hourly window
// before any work happens. INCR is atomic, so two concurrent broadcasts
// cannot both read the same count and slip past the limit.
func (s *DispatchService) reserveBroadcastSlot(ctx context.Context, requesterID string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("dispatch:ratelimit:%s", requesterID)
	pipe := s.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if incr.Val() > maxBroadcastsPerWindow {
		return errors.New("broadcast rate limit exceeded")
	}

	return nil
}
