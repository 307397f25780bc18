package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"pubflow/internal/domain"
	"pubflow/internal/store"
)

// Uploader performs the actual platform submission for one task.
type Uploader interface {
	Upload(ctx context.Context, task domain.Task) error
}

// Pool polls the store for due pending tasks and drives them through their
// platform uploader. This is the only component that moves a task past
// pending.
type Pool struct {
	repo      store.Repository
	uploaders map[string]Uploader
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
	timeout   time.Duration
}

func NewPool(repo store.Repository, uploaders map[string]Uploader, size int, pollEvery, uploadTimeout time.Duration) *Pool {
	return &Pool{
		repo:      repo,
		uploaders: uploaders,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		timeout:   uploadTimeout,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		task, err := p.repo.LeaseDue(ctx, now)
		if errors.Is(err, store.ErrNoneDue) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("lease failed")
			return
		}
		p.sem <- struct{}{}
		go func(tk domain.Task) {
			defer func() { <-p.sem }()
			p.execute(ctx, tk)
		}(task)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	up, ok := p.uploaders[tk.Platform]
	if !ok {
		log.Warn().Int64("task_id", tk.ID).Str("platform", tk.Platform).Msg("no uploader for platform")
		_ = p.repo.Fail(ctx, tk.ID, "no uploader for platform "+tk.Platform)
		return
	}

	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := up.Upload(c, tk); err != nil {
		log.Error().Err(err).Int64("task_id", tk.ID).Str("platform", tk.Platform).Msg("upload failed")
		_ = p.repo.Fail(ctx, tk.ID, err.Error())
		return
	}
	log.Info().Int64("task_id", tk.ID).Str("platform", tk.Platform).Msg("upload completed")
	_ = p.repo.Complete(ctx, tk.ID)
}
