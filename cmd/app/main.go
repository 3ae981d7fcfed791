package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cfgpkg "github.com/local/contractocr/internal/config"
	logpkg "github.com/local/contractocr/internal/logger"
)

func main() {
	err := newRootCmd().Execute()
	logpkg.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	var cfg cfgpkg.Config

	root := &cobra.Command{
		Use:           "contractocr",
		Short:         "Preprocess scanned contract PDFs, OCR them with several backends and merge the results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine; the environment may already be set
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg = cfgpkg.FromEnv()

			if err := logpkg.Init(logpkg.Options{
				Level:        cfg.Logging.Level,
				Pretty:       cfg.Logging.Pretty,
				File:         cfg.Logging.File,
				MaxSizeMB:    cfg.Logging.MaxSizeMB,
				MaxBackups:   cfg.Logging.MaxBackups,
				MaxAgeDays:   cfg.Logging.MaxAgeDays,
				Compress:     cfg.Logging.Compress,
				SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
				AxiomAPIKey:  cfg.Axiom.APIKey,
				AxiomOrgID:   cfg.Axiom.OrgID,
				AxiomDataset: cfg.Axiom.Dataset,
				AxiomFlush:   cfg.Axiom.FlushInterval,
			}); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			prompts, err := cfgpkg.LoadPrompts(cfg.PromptsFile)
			if err != nil {
				return err
			}
			cfg.Prompts = prompts
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(&cfg),
		newProcessCmd(&cfg),
		newMergeCmd(&cfg),
	)
	return root
}

func validate(cfg *cfgpkg.Config) error {
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}
	return nil
}
