package main

import (
	"context"
	"fmt"
	"net/http"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/assess"
	cfgpkg "github.com/local/contractocr/internal/config"
	"github.com/local/contractocr/internal/contract"
	"github.com/local/contractocr/internal/correct"
	"github.com/local/contractocr/internal/enhance"
	"github.com/local/contractocr/internal/limiter"
	"github.com/local/contractocr/internal/merger"
	"github.com/local/contractocr/internal/ocr"
	"github.com/local/contractocr/internal/ocr/tesseract"
	"github.com/local/contractocr/internal/pipeline"
	"github.com/local/contractocr/internal/rasterize"
	"github.com/local/contractocr/internal/split"
	"github.com/local/contractocr/internal/storage"
	"github.com/local/contractocr/internal/tile"
)

// buildSettings is the one place the immutable stage settings are derived.
func buildSettings(cfg cfgpkg.Config) pipeline.Settings {
	p := cfg.Pipeline
	return pipeline.Settings{
		Correct: correct.Settings{
			UpscaleFactor:         p.UpscaleFactor,
			MaxPixels:             p.MaxPixels,
			RotationSnapDeg:       p.RotationSnapDeg,
			RotationMinConfidence: p.RotationMinConfidence,
		},
		Split:           split.Settings{MaxSplitPages: p.MaxSplitPages, GapInkRatio: p.SplitGapInkRatio},
		Tile:            tile.Settings{Bands: p.Bands, OverlapFraction: p.OverlapFraction},
		PageConcurrency: p.PageConcurrency,
		TileConcurrency: p.TileConcurrency,
		WorkDir:         p.WorkDir,
		Merge:           p.MergeEnabled,
	}
}

func judgmentClient(cfg cfgpkg.Config, provider string) (ai.Client, error) {
	b := cfg.Backends
	var key, base string
	switch provider {
	case "openai":
		key, base = b.OpenAI.APIKey, b.OpenAI.BaseURL
	case "anthropic":
		key, base = b.Anthropic.APIKey, b.Anthropic.BaseURL
	default:
		key, base = b.Gemini.APIKey, b.Gemini.BaseURL
	}
	return ai.NewClient(ai.ProviderOptions{
		Provider:   provider,
		APIKey:     key,
		BaseURL:    base,
		MaxRetries: b.MaxRetries,
		RetryBase:  b.RetryBase,
	})
}

// app is the wired pipeline shared by every command.
type app struct {
	s3         *storage.S3Client
	rasterizer *rasterize.Rasterizer
	merger     *merger.Merger
	pipeline   *pipeline.Pipeline
}

func buildMerger(cfg cfgpkg.Config) (*merger.Merger, error) {
	var rec merger.Reconciler
	if cfg.Merger.Provider != "" && cfg.Merger.Provider != "none" {
		client, err := judgmentClient(cfg, cfg.Merger.Provider)
		if err != nil {
			return nil, err
		}
		rec = merger.NewLLMReconciler(client, cfg.Merger.Model, cfg.Merger.Timeout, cfg.Prompts)
	}
	return merger.New(rec, merger.Options{OutputDir: cfg.Merger.OutputDir, Extension: cfg.Merger.Extension}), nil
}

// buildContract returns nil when contract extraction is disabled.
func buildContract(cfg cfgpkg.Config) (pipeline.ContractExtractor, error) {
	if !cfg.Contract.Enabled {
		return nil, nil
	}
	client, err := judgmentClient(cfg, cfg.Contract.Provider)
	if err != nil {
		return nil, err
	}
	return contract.New(client, contract.Settings{
		Model:     cfg.Contract.Model,
		Timeout:   cfg.Contract.Timeout,
		MaxTokens: cfg.Contract.MaxTokens,
	}, cfg.Prompts), nil
}

func buildApp(ctx context.Context, cfg cfgpkg.Config, rdb *redis.Client) (*app, error) {
	var fetch rasterize.Fetcher
	var s3c *storage.S3Client
	if cfg.Storage.S3Bucket != "" {
		var err error
		s3c, err = storage.NewS3Client(ctx, cfg.Storage.S3Bucket, cfg.Storage.Password)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		fetch = s3c
	}
	p := cfg.Pipeline
	rz := rasterize.New(rasterize.Options{
		TargetDPI:        p.TargetDPI,
		MinDPI:           p.MinDPI,
		MaxDPI:           p.MaxDPI,
		TargetLongSidePx: p.TargetLongSidePx,
	}, fetch, &http.Client{})

	var assessor pipeline.Assessor
	if cfg.Assessor.Enabled {
		client, err := judgmentClient(cfg, cfg.Assessor.Provider)
		if err != nil {
			return nil, err
		}
		assessor = assess.New(client, assess.Settings{
			Model:        cfg.Assessor.Model,
			Timeout:      cfg.Assessor.Timeout,
			PreviewPx:    cfg.Assessor.PreviewPx,
			Temperature:  cfg.Assessor.Temperature,
			MaxTokens:    cfg.Assessor.MaxTokens,
			SystemPrompt: cfg.Prompts.AssessSystem,
			UserPrompt:   cfg.Prompts.AssessUser,
		})
	} else {
		log.Warn().Msg("quality assessment disabled; every page is processed unassessed")
	}

	var enh enhance.Enhancer
	switch {
	case cfg.Enhancer.URL != "":
		enh = enhance.NewRemote(cfg.Enhancer.URL, cfg.Enhancer.Model, cfg.Enhancer.Timeout, nil)
	case cfg.Enhancer.LocalFallback:
		enh = enhance.Resampler{Factor: cfg.Enhancer.LocalFactor}
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}
	gate := limiter.New(rdb, limiter.Options{
		MaxInflight: cfg.Backends.MaxInflight,
		BaseBackoff: cfg.Backends.CooldownBase,
		MaxBackoff:  cfg.Backends.CooldownMax,
	})
	disp := ocr.NewDispatcher(backends, gate, ocr.Options{
		TileConcurrency: p.TileConcurrency,
		Languages:       cfg.Backends.Tesseract.Languages,
	})

	mg, err := buildMerger(cfg)
	if err != nil {
		return nil, err
	}
	ex, err := buildContract(cfg)
	if err != nil {
		return nil, err
	}

	pl := pipeline.New(buildSettings(cfg), pipeline.Dependencies{
		Opener:   pipeline.FromRasterizer(rz),
		Assessor: assessor,
		Enhancer: enh,
		OCR:      disp,
		Merger:   mg,
		Contract: ex,
	})
	return &app{s3: s3c, rasterizer: rz, merger: mg, pipeline: pl}, nil
}

func buildBackends(cfg cfgpkg.Config) ([]ocr.Backend, error) {
	var out []ocr.Backend
	for _, name := range cfg.Backends.Enabled {
		switch name {
		case ocr.DocumentAIName:
			d := cfg.Backends.DocumentAI
			out = append(out, ocr.NewDocumentAI(ocr.DocumentAIOptions{
				Endpoint:    d.Endpoint,
				ProjectID:   d.ProjectID,
				Location:    d.Location,
				ProcessorID: d.ProcessorID,
				AccessToken: d.AccessToken,
				Timeout:     d.Timeout,
			}, nil))
		case ocr.GeminiName:
			client, err := judgmentClient(cfg, "gemini")
			if err != nil {
				return nil, err
			}
			g := cfg.Backends.Gemini
			out = append(out, ocr.NewGemini(client, g.OCRModel, g.Timeout, cfg.Prompts.OCRSystem, cfg.Prompts.OCRUser))
		case ocr.TesseractName:
			out = append(out, tesseract.New(cfg.Backends.Tesseract.Languages))
		default:
			return nil, fmt.Errorf("unknown OCR backend %q", name)
		}
	}
	return out, nil
}
