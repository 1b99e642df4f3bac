package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/bloodgroup/internal/auth"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/nn"
	"github.com/example/bloodgroup/internal/repository"
	"github.com/example/bloodgroup/internal/usecase"
)

func runClassify(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("classify needs at least one FILE", 2)
	}

	weights := c.String("weights")
	if weights == "" {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		weights = cfg.WeightsPath
	}

	model, err := nn.LoadClassifier(weights, nn.DefaultArchitecture)
	if err != nil {
		return err
	}
	return classifyFiles(c.Context, inference.NewService(model), files, c.Int("workers"), c.App.Writer)
}

type fileResult struct {
	result inference.Result
	err    error
}

// classifyFiles classifies every file with one shared classifier and prints
// results in argument order. Unreadable files are reported together after
// the rest have been printed.
func classifyFiles(ctx context.Context, classifier usecase.Classifier, files []string, workers int, w io.Writer) error {
	if workers <= 0 {
		workers = 1
	}
	results := make([]fileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].result, results[i].err = classifier.Classify(gctx, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var errs error
	for i, path := range files {
		r := results[i]
		if r.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, r.err))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\n", path, r.result.Label, r.result.Probabilities()[r.result.Label])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if errs != nil {
		return fmt.Errorf("%d of %d files failed: %w", len(multierr.Errors(errs)), len(files), errs)
	}
	return nil
}

func runWeightsInspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("weights inspect needs exactly one FILE", 2)
	}
	return inspectWeights(c.Args().First(), nn.DefaultArchitecture, c.App.Writer)
}

func inspectWeights(path string, arch nn.Architecture, w io.Writer) error {
	weights, err := nn.LoadWeightsFile(path, arch)
	if err != nil {
		var loadErr *nn.WeightLoadError
		if errors.As(err, &loadErr) {
			for _, cause := range multierr.Errors(loadErr.Err) {
				fmt.Fprintf(w, "invalid: %v\n", cause)
			}
		}
		return err
	}

	fmt.Fprintf(w, "format: %s\n", weights.Format())
	fmt.Fprintf(w, "fingerprint: %s\n", weights.Fingerprint())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, spec := range arch.TensorSpecs() {
		fmt.Fprintf(tw, "%s\t%v\t%d\n", spec.Name, spec.Shape, spec.Elements())
	}
	return tw.Flush()
}

func runAdminCreate(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := initDatabase(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	if err := repository.AutoMigrate(c.Context, db); err != nil {
		return err
	}

	accounts := usecase.NewAccountUseCase(
		repository.NewUserRepository(db, logger),
		auth.NewTokenManager(cfg.JWTSecret, cfg.JWTAudience, cfg.TokenTTL),
		nil,
		cfg.BcryptCost,
		logger,
	)
	user, err := accounts.CreateAdmin(c.Context, c.String("fullname"), c.String("email"), c.String("password"))
	if err != nil {
		logger.Error("failed to create admin", zap.Error(err))
		return err
	}
	fmt.Fprintf(c.App.Writer, "created admin %s (id %d)\n", user.Email, user.ID)
	return nil
}
