package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stagemerge/internal/config"
	"github.com/JonMunkholm/stagemerge/internal/logging"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/rules"
	"github.com/JonMunkholm/stagemerge/internal/store/driver"
)

type rootFlags struct {
	envFile  string
	database string
	rules    string
	logLevel string
}

type commandContext struct {
	flags *rootFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(flags *rootFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the env file, the environment and the flag overrides
// once per invocation.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		if path := strings.TrimSpace(c.flags.envFile); path != "" {
			if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.configErr = err
				return
			}
		}

		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if c.flags.database != "" {
			cfg.Database.URL = c.flags.database
		}
		if c.flags.rules != "" {
			cfg.Pipeline.RulesFile = c.flags.rules
		}
		if c.flags.logLevel != "" {
			cfg.Logging.Level = c.flags.logLevel
		}

		c.logger = logging.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
		c.config = cfg
	})
	return c.config, c.configErr
}

// withService opens the store, builds the pipeline and hands it to fn. The
// store is closed when fn returns.
func (c *commandContext) withService(cmd *cobra.Command, fn func(context.Context, *pipeline.Service) error) error {
	cfg, err := c.ensureConfig(cmd)
	if err != nil {
		return err
	}

	std, engine, err := rules.LoadAndBuild(cfg.Pipeline.RulesFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := driver.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter := pipeline.NewBatchLimiter(cfg.Pipeline.MaxConcurrentBatches, cfg.Pipeline.MaxWaitTime)
	svc := pipeline.New(st, std, engine, limiter, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		ConflictRetries: cfg.Pipeline.ConflictRetries,
		MaxRows:         cfg.Pipeline.MaxRows,
		BatchTimeout:    cfg.Pipeline.BatchTimeout,
		Logger:          c.logger,
	})
	defer svc.Close(context.WithoutCancel(ctx))

	return fn(ctx, svc)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
