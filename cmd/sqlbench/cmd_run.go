package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/database"
	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/orchestration"
	"github.com/sqlbench/api/internal/ratelimit"
	"github.com/sqlbench/api/internal/results"
)

const progressInterval = 5 * time.Second

func runWorkload(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	workload, err := config.LoadWorkload(workloadPath)
	if err != nil {
		return err
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []orchestration.Option
	if useCache {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("score cache: %w", err)
		}
		defer rdb.Close()
		opts = append(opts, orchestration.WithScoreCache(rdb.ScoreCache(cfg.ScoreCacheTTL)))
	}

	registry := llm.NewDefaultRegistry(cfg.OpenAIBaseURL, cfg.OllamaURL, logger)
	retrier := llm.NewRetrier(ratelimit.NewAuthorizer(logger), cfg.RateLimitFallback, cfg.RateLimitFallbackMax, logger)
	manager := orchestration.NewManager(registry, retrier, orchestration.Defaults{
		GenerationPoolSize:     cfg.GenerationPoolSize,
		GenerationDrainTimeout: cfg.GenerationDrainTimeout,
		EvaluationPoolSize:     cfg.EvaluationPoolSize,
		EvaluationMaxAttempts:  cfg.EvaluationMaxAttempts,
		Credentials:            cfg.Credentials,
	}, logger, opts...)

	genID, err := manager.StartGeneration(workload, nil)
	if err != nil {
		return err
	}
	if err := await(ctx, manager, genID, logger); err != nil {
		return err
	}

	evalID, err := manager.StartEvaluation(genID, orchestration.EvaluationOptions{
		Comparator: models.ComparatorKind(comparatorKind),
	}, nil)
	if err != nil {
		return err
	}
	if err := await(ctx, manager, evalID, logger); err != nil {
		return err
	}

	scores, err := manager.Scores(evalID)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := results.WriteScoresCSV(out, scores); err != nil {
		return err
	}

	summary, err := manager.Status(ctx, evalID)
	if err != nil {
		return err
	}
	if summary.MeanScore != nil {
		logger.Info("evaluation finished", zap.Int("candidates", summary.ResultCount), zap.Float64("mean_score", *summary.MeanScore))
	} else {
		logger.Info("evaluation finished, no candidate could be scored", zap.Int("candidates", summary.ResultCount))
	}
	return nil
}

// await blocks until the run ends, logging progress. Interrupting ctx cancels the run.
func await(ctx context.Context, m *orchestration.Manager, id uuid.UUID, logger *zap.Logger) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	var summary *models.RunSummary
	var waitErr error
	go func() {
		defer close(done)
		summary, waitErr = m.Wait(context.Background(), id)
	}()

	for {
		select {
		case <-done:
			if waitErr != nil {
				return waitErr
			}
			switch summary.Status {
			case models.RunStatusCompleted:
				return nil
			case models.RunStatusCancelled:
				return context.Canceled
			default:
				return errors.New(summary.Error)
			}
		case <-ticker.C:
			if st, err := m.Status(ctx, id); err == nil {
				logger.Info("progress",
					zap.String("kind", string(st.Kind)),
					zap.Int("finished", st.Finished),
					zap.Int("total", st.TotalJobs),
					zap.Int("rate_limits", st.RateLimits),
				)
			}
		case <-ctx.Done():
			logger.Info("interrupted, cancelling run", zap.String("run_id", id.String()))
			_ = m.Cancel(id)
			<-done
			return ctx.Err()
		}
	}
}
