package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	mpkg "github.com/local/contractocr/internal/metrics"
	"github.com/local/contractocr/internal/merger"
	"github.com/local/contractocr/internal/pipeline"
	"github.com/local/contractocr/internal/queue"
	"github.com/local/contractocr/internal/rasterize"
	"github.com/local/contractocr/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (queue.Message, bool, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	EnqueueDelayed(ctx context.Context, job queue.Job, executeAt time.Time) error
	DeadLetter(ctx context.Context, job queue.Job, reason string) error
	IsDone(ctx context.Context, jobID string) (bool, error)
	MarkDone(ctx context.Context, jobID string, ttl time.Duration) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
}

type PageReporter interface {
	Save(ctx context.Context, jobID string, reports []store.PageReport) error
}

type Processor interface {
	Process(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error)
}

type Config struct {
	Concurrency int
	JobTimeout  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Consumer    string
	DoneTTL     time.Duration
	// Poll is the blocking read timeout per dequeue.
	Poll time.Duration
}

type Dependencies struct {
	Queue     Queue
	Status    StatusStore
	Pages     PageReporter
	Pipeline  Processor
	// Publisher is optional; results stay local when nil.
	Publisher Publisher
}

type Worker struct {
	cfg  Config
	deps Dependencies
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(cfg Config, deps Dependencies) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "pipeline"
	}
	if cfg.DoneTTL <= 0 {
		cfg.DoneTTL = 7 * 24 * time.Hour
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	return &Worker{cfg: cfg, deps: deps, stop: make(chan struct{})}
}

func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
}

// Stop signals the loops and waits for in-flight jobs until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
	log.Info().Int("worker", id).Str("consumer", consumer).Msg("pipeline worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Int("worker", id).Msg("pipeline worker stopped")
			return
		default:
		}

		msg, ok, err := w.deps.Queue.Dequeue(context.Background(), consumer, w.cfg.Poll)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		w.handle(context.Background(), msg)
	}
}

// handle runs one delivered job to a terminal or retry decision and acks it.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	job := msg.Job
	defer func() {
		if err := w.deps.Queue.Ack(ctx, msg.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.JobID).Msg("ack failed")
		}
	}()
	lg := log.With().Str("job_id", job.JobID).Int("attempt", job.Attempt).Logger()

	if done, _ := w.deps.Queue.IsDone(ctx, job.JobID); done {
		lg.Info().Msg("job already completed; skipping redelivery")
		return
	}
	if cancelled, _ := w.deps.Queue.IsCancelled(ctx, job.JobID); cancelled {
		lg.Warn().Msg("job cancelled before processing; skipping")
		w.setStatus(ctx, job.JobID, store.Status{Status: store.StateCancelled, Message: "cancelled", Attempt: job.Attempt})
		mpkg.IncJob("cancelled")
		return
	}

	start := time.Now().UTC()
	w.setStatus(ctx, job.JobID, store.Status{Status: store.StateProcessing, Progress: 10, Message: "processing", Attempt: job.Attempt, Start: &start})

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	out, err := w.deps.Pipeline.Process(jctx, pipeline.Input{DocumentID: job.JobID, Ref: job.Ref, Name: job.Name})
	cancel()

	if out.Document != nil && w.deps.Pages != nil {
		reports := make([]store.PageReport, 0, len(out.Document.Pages))
		for _, p := range out.Document.Pages {
			reports = append(reports, store.ReportFor(p))
		}
		if perr := w.deps.Pages.Save(ctx, job.JobID, reports); perr != nil {
			lg.Error().Err(perr).Msg("saving page reports failed")
		}
	}

	end := time.Now().UTC()
	if err == nil {
		md := resultMetadata(out)
		if w.deps.Publisher != nil {
			refs, perr := publish(ctx, w.deps.Publisher, job.JobID, out)
			if len(refs) > 0 {
				md["published"] = refs
			}
			if perr != nil {
				md["publish_error"] = perr.Error()
				lg.Warn().Err(perr).Msg("publishing results failed; local outputs kept")
			}
		}
		w.setStatus(ctx, job.JobID, store.Status{
			Status: store.StateCompleted, Progress: 100, Message: "completed", Attempt: job.Attempt,
			Start: &start, End: &end, Metadata: md,
		})
		_ = w.deps.Queue.MarkDone(ctx, job.JobID, w.cfg.DoneTTL)
		mpkg.IncJob("completed")
		lg.Info().Int64("duration_ms", end.Sub(start).Milliseconds()).Msg("job completed")
		return
	}

	stage := pipeline.FailedStage(err)
	if retryable(err) && job.Attempt+1 < w.cfg.MaxAttempts {
		next := job
		next.Attempt++
		at := time.Now().Add(w.cfg.RetryDelay)
		qerr := w.deps.Queue.EnqueueDelayed(ctx, next, at)
		if qerr == nil {
			w.setStatus(ctx, job.JobID, store.Status{
				Status: store.StateQueued, Message: "retry scheduled: " + err.Error(), Stage: stage,
				Attempt: next.Attempt, Start: &start,
			})
			mpkg.IncJob("retried")
			lg.Warn().Err(err).Str("stage", stage).Time("retry_at", at).Msg("job failed; retry scheduled")
			return
		}
		lg.Error().Err(qerr).Msg("scheduling retry failed")
	}

	w.setStatus(ctx, job.JobID, store.Status{
		Status: store.StateFailed, Message: err.Error(), Stage: stage, Attempt: job.Attempt,
		Start: &start, End: &end, Metadata: resultMetadata(out),
	})
	if derr := w.deps.Queue.DeadLetter(ctx, job, err.Error()); derr != nil {
		lg.Error().Err(derr).Msg("dead-lettering failed")
	}
	mpkg.IncJob("failed")
	lg.Error().Err(err).Str("stage", stage).Msg("job failed")
}

func (w *Worker) setStatus(ctx context.Context, jobID string, st store.Status) {
	if w.deps.Status == nil {
		return
	}
	if err := w.deps.Status.Set(ctx, jobID, st); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("status", st.Status).Msg("status update failed")
	}
}

// retryable is false for inputs that will fail the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, rasterize.ErrUnreadable):
		return false
	case merger.IsValidationError(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func resultMetadata(out pipeline.Outcome) map[string]any {
	md := map[string]any{}
	if out.Document != nil {
		md["document_id"] = out.Document.ID
		md["pages"] = len(out.Document.Pages)
		degraded := 0
		for _, p := range out.Document.Pages {
			if len(p.Failures) > 0 {
				degraded++
			}
		}
		md["pages_degraded"] = degraded
	}
	if len(out.Integrated) > 0 {
		integrated := map[string]any{}
		for k, v := range out.Integrated {
			integrated[k] = v
		}
		md["integrated"] = integrated
	}
	if out.Merged != nil {
		md["merged_text"] = out.Merged.TextPath
		md["merged_meta"] = out.Merged.MetaPath
		md["merge_strategy"] = out.Merged.Metadata.Strategy
	}
	if out.Contract != nil {
		md["contract_json"] = out.Contract.Path
		md["contract_success"] = out.Contract.Contract.Success
		md["contract_articles"] = len(out.Contract.Contract.Result.Articles)
	}
	return md
}
