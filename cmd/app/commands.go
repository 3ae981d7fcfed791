package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cfgpkg "github.com/local/contractocr/internal/config"
	mpkg "github.com/local/contractocr/internal/metrics"
	"github.com/local/contractocr/internal/pipeline"
	"github.com/local/contractocr/internal/queue"
	"github.com/local/contractocr/internal/rasterize"
	"github.com/local/contractocr/internal/server"
	"github.com/local/contractocr/internal/statuscheck"
	"github.com/local/contractocr/internal/store"
	"github.com/local/contractocr/internal/worker"
)

func newServeCmd(cfg *cfgpkg.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate(cfg); err != nil {
				return err
			}
			return serve(*cfg)
		},
	}
}

func serve(cfg cfgpkg.Config) error {
	mpkg.Init()

	// Queue
	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rq.Close()
	rdb := rq.Client()

	status := store.NewStatus(rdb)
	pages := store.NewPageStore(rdb)

	a, err := buildApp(context.Background(), cfg, rdb)
	if err != nil {
		return err
	}

	checker := statuscheck.New(statuscheck.Options{
		Redis:     rq,
		MuPDF:     a.rasterizer,
		S3Bucket:  cfg.Storage.S3Bucket,
		Backends:  cfg.Backends.Enabled,
		GeminiKey: cfg.Backends.Gemini.APIKey,
		DocumentAI: statuscheck.DocumentAI{
			ProjectID:   cfg.Backends.DocumentAI.ProjectID,
			ProcessorID: cfg.Backends.DocumentAI.ProcessorID,
			AccessToken: cfg.Backends.DocumentAI.AccessToken,
		},
	})

	api := server.New(server.Dependencies{
		Queue:  rq,
		Status: status,
		Pages:  pages,
		Merger: a.merger,
		Health: checker.Handler(),
	}, server.Options{UploadDir: cfg.Server.UploadDir, MaxUploadMB: cfg.Server.MaxUploadMB, WorkDir: cfg.Pipeline.WorkDir})

	if n := rasterize.CleanupTemps("", 6*time.Hour); n > 0 {
		log.Info().Int("removed", n).Msg("removed stale temp inputs")
	}

	if cfg.Worker.Run {
		deps := worker.Dependencies{Queue: rq, Status: status, Pages: pages, Pipeline: a.pipeline}
		if a.s3 != nil {
			deps.Publisher = a.s3
		}
		host, _ := os.Hostname()
		w := worker.New(worker.Config{
			Concurrency: cfg.Worker.Concurrency,
			JobTimeout:  cfg.Worker.JobTimeout,
			MaxAttempts: cfg.Worker.MaxAttempts,
			RetryDelay:  cfg.Worker.RetryDelay,
			Consumer:    host,
		}, deps)
		w.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("workers did not drain before shutdown")
			}
		}()
	}

	stopDepths := make(chan struct{})
	defer close(stopDepths)
	go reportDepths(rq, stopDepths)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: api.Router()}
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info().Msg("shutdown complete")
	return nil
}

func reportDepths(rq *queue.RedisQueue, stop <-chan struct{}) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			stream, delayed, dlq, err := rq.Depths(ctx)
			cancel()
			if err != nil {
				continue
			}
			mpkg.SetQueueDepth("stream", stream)
			mpkg.SetQueueDepth("delayed", delayed)
			mpkg.SetQueueDepth("dlq", dlq)
		}
	}
}

func newProcessCmd(cfg *cfgpkg.Config) *cobra.Command {
	var noMerge, noContract bool
	var workDir string
	cmd := &cobra.Command{
		Use:   "process <pdf|ref>",
		Short: "Run the pipeline once for a local PDF or an s3://, http(s):// or file:// reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noMerge {
				cfg.Pipeline.MergeEnabled = false
			}
			if noContract {
				cfg.Contract.Enabled = false
			}
			if workDir != "" {
				cfg.Pipeline.WorkDir = workDir
			}
			if err := validate(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, *cfg, nil)
			if err != nil {
				return err
			}

			in := pipeline.Input{DocumentID: uuid.NewString(), Ref: args[0], Name: filepath.Base(args[0])}
			if !strings.Contains(in.Ref, "://") {
				abs, err := filepath.Abs(in.Ref)
				if err != nil {
					return err
				}
				in.Ref = "file://" + abs
			}
			ctx, cancel := context.WithTimeout(ctx, cfg.Worker.JobTimeout)
			defer cancel()
			out, err := a.pipeline.Process(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(cmd, summarize(out))
		},
	}
	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "skip the reconciliation step")
	cmd.Flags().BoolVar(&noContract, "no-contract", false, "skip contract record extraction")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for per-document outputs (default WORK_DIR)")
	return cmd
}

func newMergeCmd(cfg *cfgpkg.Config) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "merge <fileA> <fileB>",
		Short: "Validate and merge a document_ai/gemini integrated output pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir != "" {
				cfg.Merger.OutputDir = outDir
			}
			mg, err := buildMerger(*cfg)
			if err != nil {
				return err
			}
			res, err := mg.Merge(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&outDir, "output-dir", "", "output directory (default: output/ next to the inputs)")
	return cmd
}

type pageSummary struct {
	Label       string   `json:"label"`
	Assessed    bool     `json:"assessed"`
	Corrections []string `json:"corrections,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
	Failures    []string `json:"failures,omitempty"`
}

type runSummary struct {
	DocumentID      string            `json:"document_id"`
	Source          string            `json:"source"`
	PageCount       int               `json:"page_count"`
	Pages           []pageSummary     `json:"pages"`
	Integrated      map[string]string `json:"integrated"`
	MergedText      string            `json:"merged_text,omitempty"`
	MergedMeta      string            `json:"merged_meta,omitempty"`
	Contract        string            `json:"contract,omitempty"`
	ContractSuccess *bool             `json:"contract_success,omitempty"`
}

func summarize(out pipeline.Outcome) runSummary {
	s := runSummary{Integrated: out.Integrated}
	if d := out.Document; d != nil {
		s.DocumentID, s.Source, s.PageCount = d.ID, d.Source, d.PageCount
		for _, p := range d.Pages {
			ps := pageSummary{Label: p.Label(), Assessed: p.Assessed, Annotations: p.Annotations}
			for _, c := range p.History() {
				ps.Corrections = append(ps.Corrections, string(c.Kind))
			}
			for _, f := range p.Failures {
				ps.Failures = append(ps.Failures, f.Stage+": "+f.Error)
			}
			s.Pages = append(s.Pages, ps)
		}
	}
	if out.Merged != nil {
		s.MergedText, s.MergedMeta = out.Merged.TextPath, out.Merged.MetaPath
	}
	if out.Contract != nil {
		ok := out.Contract.Contract.Success
		s.Contract, s.ContractSuccess = out.Contract.Path, &ok
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
