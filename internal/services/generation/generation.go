package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/types"
)

var ErrInference = errors.New("inference failed")

const (
	DefaultSeed     = 1337
	DefaultMaxSteps = 1000
)

type Options struct {
	Seed      uint64
	MaxSteps  int
	BOS       int
	Separator int
}

func DefaultOptions() Options {
	return Options{
		Seed:      DefaultSeed,
		MaxSteps:  DefaultMaxSteps,
		BOS:       types.BOSTokenID,
		Separator: types.SeparatorTokenID,
	}
}

// Step is one generated token. The separator is never reported as a step.
type Step struct {
	Index int
	Token int
}

type Generator struct {
	opts Options
}

func NewGenerator(opts Options) *Generator {
	return &Generator{opts: opts}
}

// Generate lazily samples caption tokens for image. The image is embedded
// once; each step feeds the model the newest context window (the whole
// sequence on the first step, the last sampled id afterwards) and samples the
// next id. Generation ends when the separator is sampled or after MaxSteps
// tokens, without an error in both cases.
//
// Model failures are reported once, wrapped in ErrInference, and end the
// sequence. Cancellation of ctx is observed between steps. The caller may stop
// ranging at any point.
func (g *Generator) Generate(ctx context.Context, handle model.Handle, image *types.ImageTensor) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		embedding, err := handle.EmbedImage(ctx, image)
		if err != nil {
			yield(Step{}, fmt.Errorf("%w: embedding image: %w", ErrInference, err))
			return
		}

		sampler := NewSampler(g.opts.Seed)
		tokens := []int{g.opts.BOS}

		for i := 0; i < g.opts.MaxSteps; i++ {
			if err := ctx.Err(); err != nil {
				yield(Step{}, err)
				return
			}

			window := tokens
			if i > 0 {
				window = tokens[len(tokens)-1:]
			}

			logits, err := handle.NextLogits(ctx, window, embedding)
			if err != nil {
				yield(Step{}, fmt.Errorf("%w: step %d: %w", ErrInference, i, err))
				return
			}

			next, err := sampler.Sample(logits)
			if err != nil {
				yield(Step{}, fmt.Errorf("%w: step %d: %w", ErrInference, i, err))
				return
			}

			if next == g.opts.Separator {
				return
			}

			tokens = append(tokens, next)
			if !yield(Step{Index: i, Token: next}, nil) {
				return
			}
		}
	}
}
