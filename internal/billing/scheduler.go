package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sweeper periodically settles every user whose unbilled total has reached
// the threshold. It is a safety net behind the per-call settlement trigger:
// a user who crossed the threshold while Stripe was down gets picked up on
// the next sweep.
type Sweeper struct {
	db       *pgxpool.Pool
	biller   *Biller
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	lastRun  time.Time
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	UsersChecked int   `json:"users_checked"`
	Settled      int   `json:"settled"`
	Failed       int   `json:"failed"`
	TotalCents   int64 `json:"total_amount"`
}

// NewSweeper creates a new settlement sweeper
func NewSweeper(db *pgxpool.Pool, biller *Biller, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		db:       db,
		biller:   biller,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger := logging.NewLogger("sweeper")
	logger.Info().Dur("interval", s.interval).Msg("settlement sweeper started")
	return nil
}

// Stop stops the sweep loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logger := logging.NewLogger("sweeper")
	logger.Info().Msg("settlement sweeper stopped")
}

// IsRunning returns whether the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns when the last sweep pass finished.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	logger := logging.NewLogger("sweeper")

	result, err := s.RunOnce(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep pass failed")
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if result.UsersChecked > 0 {
		logger.Info().
			Int("users_checked", result.UsersChecked).
			Int("settled", result.Settled).
			Int("failed", result.Failed).
			Int64("total_amount", result.TotalCents).
			Msg("sweep pass completed")
	}
}

// RunOnce executes a single sweep pass: find every user at or over the
// threshold and settle them one by one. A failure for one user does not stop
// the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	userIDs, err := s.usersOverThreshold(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{UsersChecked: len(userIDs)}
	logger := logging.NewLogger("sweeper")

	for _, userID := range userIDs {
		settlement, err := s.biller.SettleUsage(ctx, userID)
		if err != nil {
			result.Failed++
			logger.Error().Err(err).Str("user_id", userID.String()).Msg("sweep settlement failed")
			continue
		}
		if settlement.Settled {
			result.Settled++
			result.TotalCents += settlement.AmountCents
		}
	}

	return result, nil
}

func (s *Sweeper) usersOverThreshold(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.user_id
		FROM calls c
		JOIN users u ON u.id = c.user_id
		WHERE c.billing_status = 'unbilled' AND c.cost IS NOT NULL
		  AND u.subscription_status = 'active' AND u.can_make_calls
		GROUP BY c.user_id
		HAVING SUM(c.cost) >= $1
	`, s.biller.thresholdCents)
	if err != nil {
		return nil, fmt.Errorf("failed to query users over threshold: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return userIDs, nil
}
