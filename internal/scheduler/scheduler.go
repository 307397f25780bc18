package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pubflow/internal/domain"
	"pubflow/internal/policy"
	"pubflow/internal/store"
)

var (
	// ErrInvalidRequest marks a submission rejected before any persistence
	// attempt (missing video path or title).
	ErrInvalidRequest = errors.New("invalid publish request")

	// ErrSlotUnavailable is returned in strict mode when no slot within the
	// search horizon satisfies the platform's cadence constraints.
	ErrSlotUnavailable = errors.New("no publish slot available")
)

// enforceHorizonDays bounds the strict-mode slot search.
const enforceHorizonDays = 7

// Options tune the scheduling service.
type Options struct {
	// Enforce turns on min-interval and daily-cap checking against the
	// pending queue. Off by default: the policy fields are carried as data
	// and slot selection ignores them, matching the original queue.
	Enforce bool
}

// Service admits publish requests: it validates, picks a slot, and persists
// a pending task. It holds no mutable state between calls.
type Service struct {
	repo    store.Repository
	table   policy.Table
	enforce bool
}

func New(repo store.Repository, table policy.Table, opts Options) *Service {
	return &Service{repo: repo, table: table, enforce: opts.Enforce}
}

// Result is the confirmation returned for an admitted request.
type Result struct {
	TaskID        int64
	ScheduledTime time.Time
	Platform      string
	AccountID     *int64
	Status        string
	// Fallback reports that the platform had no configured policy and the
	// generic 1-hour rule was used.
	Fallback bool
}

// Schedule validates the request, computes the publish time and inserts a
// pending task. Insert failures propagate as-is; callers own retry policy.
func (s *Service) Schedule(ctx context.Context, req domain.PublishRequest, now time.Time) (Result, error) {
	if req.VideoPath == "" {
		return Result{}, fmt.Errorf("%w: video_path is required", ErrInvalidRequest)
	}
	if req.Title == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}

	var (
		at       time.Time
		fallback bool
		err      error
	)
	if s.enforce {
		at, fallback, err = s.nextEnforcedSlot(ctx, req.Platform, now)
		if err != nil {
			return Result{}, err
		}
	} else {
		at, fallback = NextSlot(s.table, req.Platform, now)
	}

	id, err := s.repo.Insert(ctx, domain.Task{
		VideoPath:     req.VideoPath,
		Title:         req.Title,
		Description:   req.Description,
		Tags:          req.Tags,
		Platform:      req.Platform,
		AccountID:     req.AccountID,
		ScheduledTime: at,
		Status:        domain.StatusPending,
	})
	if err != nil {
		return Result{}, err
	}

	log.Info().
		Int64("task_id", id).
		Str("platform", req.Platform).
		Time("scheduled_time", at).
		Bool("fallback", fallback).
		Msg("publish scheduled")

	return Result{
		TaskID:        id,
		ScheduledTime: at,
		Platform:      req.Platform,
		AccountID:     req.AccountID,
		Status:        "scheduled",
		Fallback:      fallback,
	}, nil
}

// nextEnforcedSlot scans candidate slots day by day, skipping slots within
// MinInterval of an existing pending task on the same platform and days
// whose pending count has reached MaxDaily.
func (s *Service) nextEnforcedSlot(ctx context.Context, platform string, now time.Time) (time.Time, bool, error) {
	pol, ok := s.table.Lookup(platform)
	if !ok {
		return now.Add(defaultDelay), true, nil
	}

	pending, err := s.repo.PendingTimes(ctx, platform)
	if err != nil {
		return time.Time{}, false, err
	}

	slots := pol.Slots(now)
	for day := 0; day < enforceHorizonDays; day++ {
		anchor := now.AddDate(0, 0, day)
		if pol.MaxDaily > 0 {
			start := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, anchor.Location())
			n, err := s.repo.CountScheduledBetween(ctx, platform, start, start.AddDate(0, 0, 1))
			if err != nil {
				return time.Time{}, false, err
			}
			if n >= pol.MaxDaily {
				continue
			}
		}
		for _, slot := range slots {
			target := slot.At(anchor)
			if !target.After(now) {
				continue
			}
			if violatesInterval(target, pending, pol.MinInterval) {
				continue
			}
			return target, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: platform %s, searched %d days", ErrSlotUnavailable, platform, enforceHorizonDays)
}

func violatesInterval(target time.Time, pending []time.Time, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return false
	}
	for _, t := range pending {
		d := target.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < minInterval {
			return true
		}
	}
	return false
}
