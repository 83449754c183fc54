package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cozy-creator/caption-server/internal/types"
)

var (
	ErrWeightLoad     = errors.New("failed to load model weights")
	ErrTokenizerLoad  = errors.New("failed to load tokenizer")
	ErrUnknownVariant = errors.New("unknown model variant")
)

// Variant selects the numeric precision of the weights. Both variants answer
// the same inputs with logits over the same vocabulary.
type Variant int

const (
	FullPrecision Variant = iota
	Quantized
)

func (v Variant) String() string {
	switch v {
	case FullPrecision:
		return "full"
	case Quantized:
		return "quantized"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// FileSuffix is appended to ONNX file names in exported repositories.
func (v Variant) FileSuffix() string {
	if v == Quantized {
		return "_quantized"
	}
	return ""
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "fp32", "full_precision":
		return FullPrecision, nil
	case "quantized", "q8", "int8":
		return Quantized, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// Handle is a loaded captioning model. It is owned by a single request and
// must be closed when that request ends.
type Handle interface {
	// EmbedImage runs the vision encoder once per image.
	EmbedImage(ctx context.Context, image *types.ImageTensor) (*types.ImageEmbedding, error)
	// NextLogits feeds the newest context window and returns the logits for
	// the next token. The first call carries the whole sequence, later calls
	// only the id sampled last.
	NextLogits(ctx context.Context, window []int, embedding *types.ImageEmbedding) ([]float32, error)
	Close() error
}

// Files are the local paths of one model variant inside a repository snapshot.
type Files struct {
	Dir       string
	Vision    string
	Decoder   string
	Tokenizer string
}

// Repository resolves model references to files on local disk.
type Repository interface {
	Fetch(ctx context.Context, ref types.ModelRef, variant Variant) (*Files, error)
	FetchTokenizer(ctx context.Context, ref types.ModelRef) (string, error)
}
