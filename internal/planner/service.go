package planner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"pubflow/internal/domain"
	"pubflow/internal/scheduler"
	"pubflow/internal/store"
)

// Service fires recurring publish plans: each due plan submits its request
// template through the scheduler and advances next_run by its cron
// expression.
type Service struct {
	repo     store.Repository
	sched    *scheduler.Service
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo store.Repository, sched *scheduler.Service, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		sched:    sched,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("planner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDuePlans(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDuePlans(ctx context.Context, now time.Time) {
	plans, err := s.repo.DuePlans(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due plans")
		return
	}

	for _, plan := range plans {
		if err := s.firePlan(ctx, plan, now); err != nil {
			log.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to fire plan")
		}
	}
}

func (s *Service) firePlan(ctx context.Context, plan domain.Plan, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(plan.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", plan.CronExpr).Msg("invalid cron expression")
		return err
	}

	res, err := s.sched.Schedule(ctx, plan.Request(), now)
	if err != nil {
		log.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to schedule planned publish")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.MarkPlanRun(ctx, plan.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to update plan run times")
		return err
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("plan_name", plan.Name).
		Int64("task_id", res.TaskID).
		Time("scheduled_time", res.ScheduledTime).
		Time("next_run", nextRun).
		Msg("planned publish scheduled")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
