package app

import (
	"context"
	"fmt"

	"github.com/cozy-creator/caption-server/internal/config"
	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/services/captioning"
	"github.com/cozy-creator/caption-server/internal/services/modelrepo"
	"github.com/cozy-creator/caption-server/internal/types"
	"github.com/cozy-creator/caption-server/pkg/logger"

	"go.uber.org/zap"
)

type App struct {
	config     *config.Config
	ctx        context.Context
	cancelFunc context.CancelFunc
	repo       *modelrepo.Repository
	variant    model.Variant
	captioner  *captioning.Pipeline

	Logger *zap.Logger
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = logger
		return nil
	}
}

// WithCaptioner installs the captioning pipeline built from the build-time
// model selection.
func WithCaptioner() OptionFunc {
	return func(app *App) error {
		variant, err := model.ParseVariant(config.Variant)
		if err != nil {
			return err
		}

		var runtime model.RuntimeOptions
		if ort := app.config.OnnxRuntime; ort != nil {
			runtime = model.RuntimeOptions{LibraryPath: ort.LibraryPath, Threads: ort.Threads}
		}

		repo := modelrepo.New(app.config.CacheDir, app.config.HFToken, app.Logger)
		provider := model.NewProvider(repo, runtime, app.Logger)

		app.repo = repo
		app.variant = variant
		app.captioner = captioning.NewPipeline(provider, variant, app.ModelRef(), app.Logger)
		return nil
	}
}

// WithPipeline replaces the captioning pipeline, mostly for tests.
func WithPipeline(p *captioning.Pipeline) OptionFunc {
	return func(app *App) error {
		app.captioner = p
		return nil
	}
}

func NewApp(cfg *config.Config, options ...OptionFunc) (*App, error) {
	logger, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		ctx:        ctx,
		config:     cfg,
		Logger:     logger,
		cancelFunc: cancel,
	}

	for _, opt := range options {
		if err := opt(app); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return app, nil
}

// ModelRef is the model repository and revision selected at build time.
func (app *App) ModelRef() types.ModelRef {
	return types.ModelRef{ID: config.ModelID, Revision: config.Revision}
}

func (app *App) Close() {
	app.cancelFunc()
	app.Logger.Sync()
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) Captioner() *captioning.Pipeline {
	return app.captioner
}

// ModelState reports whether the configured model variant is available
// locally.
func (app *App) ModelState() types.ModelState {
	if app.repo == nil {
		return types.ModelStateNotFound
	}
	return app.repo.State(app.ModelRef(), app.variant)
}
