package model

import (
	"context"
	"fmt"
	"time"

	"github.com/cozy-creator/caption-server/internal/tokenizer"
	"github.com/cozy-creator/caption-server/internal/types"

	"go.uber.org/zap"
)

type RuntimeOptions struct {
	LibraryPath string
	Threads     int
}

type loaderFunc func(files *Files, opts RuntimeOptions) (Handle, error)

// Provider loads model handles and vocabularies. Every call produces fresh,
// request-owned instances; nothing is cached between requests beyond the
// files on disk.
type Provider struct {
	repo   Repository
	opts   RuntimeOptions
	logger *zap.Logger
	load   loaderFunc
}

func NewProvider(repo Repository, opts RuntimeOptions, logger *zap.Logger) *Provider {
	return &Provider{
		repo:   repo,
		opts:   opts,
		logger: logger.Named("model"),
		load:   loadOnnx,
	}
}

func (p *Provider) Resolve(ctx context.Context, variant Variant, ref types.ModelRef) (Handle, error) {
	start := time.Now()

	files, err := p.repo.Fetch(ctx, ref, variant)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWeightLoad, ref, err)
	}

	handle, err := p.load(files, p.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s): %w", ErrWeightLoad, ref, variant, err)
	}

	p.logger.Debug("model loaded",
		zap.Stringer("model", ref),
		zap.Stringer("variant", variant),
		zap.Duration("took", time.Since(start)),
	)

	return handle, nil
}

func (p *Provider) Tokenizer(ctx context.Context, ref types.ModelRef) (tokenizer.Vocabulary, error) {
	path, err := p.repo.FetchTokenizer(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTokenizerLoad, ref, err)
	}

	vocab, err := tokenizer.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTokenizerLoad, ref, err)
	}

	return vocab, nil
}
