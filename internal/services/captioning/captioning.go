// Package captioning wires preprocessing, model loading, generation and
// detokenization into one request.
package captioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/services/generation"
	"github.com/cozy-creator/caption-server/internal/services/preprocess"
	"github.com/cozy-creator/caption-server/internal/tokenizer"
	"github.com/cozy-creator/caption-server/internal/types"
	"github.com/cozy-creator/caption-server/internal/utils/hashutil"

	"go.uber.org/zap"
)

type ModelProvider interface {
	Resolve(ctx context.Context, variant model.Variant, ref types.ModelRef) (model.Handle, error)
	Tokenizer(ctx context.Context, ref types.ModelRef) (tokenizer.Vocabulary, error)
}

// EmitFunc receives caption fragments in order. Returning an error stops the
// request.
type EmitFunc func(fragment string) error

type Request struct {
	ID    string
	Image []byte
}

type Result struct {
	Tokens   int
	Duration time.Duration
}

type Pipeline struct {
	provider  ModelProvider
	generator *generation.Generator
	variant   model.Variant
	ref       types.ModelRef
	logger    *zap.Logger
}

func NewPipeline(provider ModelProvider, variant model.Variant, ref types.ModelRef, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		provider:  provider,
		generator: generation.NewGenerator(generation.DefaultOptions()),
		variant:   variant,
		ref:       ref,
		logger:    logger.Named("captioning"),
	}
}

func (p *Pipeline) WithGenerator(g *generation.Generator) *Pipeline {
	p.generator = g
	return p
}

// Run captions req.Image, handing each stable fragment to emit as soon as it
// is decoded and the trailing remainder once generation ends. The model and
// vocabulary are loaded for this request only and released before Run
// returns.
func (p *Pipeline) Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	start := time.Now()
	logger := p.logger.With(
		zap.String("request_id", req.ID),
		zap.String("image_digest", hashutil.ShortDigest(req.Image)),
		zap.Int("image_bytes", len(req.Image)),
	)

	img, mime, err := preprocess.Decode(req.Image)
	if err != nil {
		return nil, err
	}
	tensor := preprocess.FromImage(img)
	logger.Debug("image preprocessed", zap.String("mime", mime), zap.Stringer("bounds", img.Bounds()))

	handle, err := p.provider.Resolve(ctx, p.variant, p.ref)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	vocab, err := p.provider.Tokenizer(ctx, p.ref)
	if err != nil {
		return nil, err
	}

	stream := tokenizer.NewStream(vocab)
	for step, err := range p.generator.Generate(ctx, handle, tensor) {
		if err != nil {
			return nil, err
		}

		if fragment, ok := stream.Push(step.Token); ok && fragment != "" {
			if err := emit(fragment); err != nil {
				return nil, err
			}
		}
	}

	if rest, ok := stream.Flush(); ok && rest != "" {
		if err := emit(rest); err != nil {
			return nil, err
		}
	}

	result := &Result{Tokens: len(stream.Tokens()), Duration: time.Since(start)}
	logger.Info("caption generated",
		zap.Int("tokens", result.Tokens),
		zap.Duration("took", result.Duration),
	)

	return result, nil
}

// Caption runs the pipeline and returns the whole caption at once.
func (p *Pipeline) Caption(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	_, err := p.Run(ctx, req, func(fragment string) error {
		b.WriteString(fragment)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("caption %s: %w", req.ID, err)
	}

	return b.String(), nil
}
