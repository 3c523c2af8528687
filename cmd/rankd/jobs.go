package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/audit"
	"github.com/dusan02/vercel-pmp-sub002/internal/dlq"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/ports"
	"github.com/dusan02/vercel-pmp-sub002/internal/refprice"
)

const jobTimeout = 5 * time.Minute

// auditJob runs the periodic integrity pass.
type auditJob struct {
	auditor *audit.Auditor
	fix     bool
}

func (j *auditJob) Name() string { return "integrity-audit" }

func (j *auditJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	_, err := j.auditor.Run(ctx, j.fix)
	return err
}

// persistRetryJob drains the dead-letter queue of failed durable writes.
type persistRetryJob struct {
	retrier *dlq.Retrier
}

func newPersistRetrier(queue *dlq.Queue, repo ports.TickerRepo, log zerolog.Logger) *persistRetryJob {
	r := dlq.NewRetrier(queue, log)
	r.Register(refprice.JobPersistPrevClose, func(ctx context.Context, job domain.FailedJob) error {
		if repo == nil {
			return errors.New("no durable store")
		}
		var p refprice.PersistPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		day, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			return err
		}
		ref := domain.DailyRef{Symbol: p.Symbol, Date: day, PreviousClose: p.Close}
		if err := repo.UpsertDailyRef(ctx, ref); err != nil {
			return err
		}
		return repo.UpdatePrevClose(ctx, p.Symbol, p.Close, day)
	})
	return &persistRetryJob{retrier: r}
}

func (j *persistRetryJob) Name() string { return "dlq-retry" }

func (j *persistRetryJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	j.retrier.RunOnce(ctx)
	return nil
}
