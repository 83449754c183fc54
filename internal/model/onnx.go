package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cozy-creator/caption-server/internal/types"

	ort "github.com/yalue/onnxruntime_go"
)

// onnxHandle runs a vision encoder and a text decoder exported to ONNX.
//
// The decoder is run without a key/value cache: the handle keeps the full
// token prefix and replays it on every step, so a window of one id yields
// the same logits as feeding the whole sequence.
type onnxHandle struct {
	vision  *onnxSession
	decoder *onnxSession
	prefix  []int64
}

func loadOnnx(files *Files, opts RuntimeOptions) (Handle, error) {
	if err := initRuntime(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}

	vision, err := newOnnxSession(files.Vision, opts.Threads)
	if err != nil {
		return nil, err
	}

	decoder, err := newOnnxSession(files.Decoder, opts.Threads)
	if err != nil {
		vision.Close()
		return nil, err
	}

	return &onnxHandle{vision: vision, decoder: decoder}, nil
}

func (h *onnxHandle) EmbedImage(ctx context.Context, image *types.ImageTensor) (*types.ImageEmbedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(h.vision.inputInfo) == 0 {
		return nil, errors.New("vision model declares no inputs")
	}

	shape := append([]int64{1}, image.Shape()...)
	outputs, err := h.vision.Run([]namedTensor{{
		Name:  h.vision.inputInfo[0].Name,
		Shape: shape,
		Data:  image.Data,
	}})
	if err != nil {
		return nil, err
	}

	hidden, ok := outputs["last_hidden_state"]
	if !ok && len(h.vision.outputInfo) > 0 {
		hidden, ok = outputs[h.vision.outputInfo[0].Name]
	}
	if !ok {
		return nil, errors.New("vision model produced no hidden states")
	}

	return &types.ImageEmbedding{Data: hidden.Data.([]float32), Shape: hidden.Shape}, nil
}

func (h *onnxHandle) NextLogits(ctx context.Context, window []int, embedding *types.ImageEmbedding) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := h.extend(window); err != nil {
		return nil, err
	}

	inputs, err := h.decoderInputs(embedding)
	if err != nil {
		return nil, err
	}

	outputs, err := h.decoder.Run(inputs)
	if err != nil {
		return nil, err
	}

	logits, ok := outputs["logits"]
	if !ok {
		return nil, errors.New("decoder produced no logits")
	}

	return lastPosition(logits)
}

// extend appends window to the replayed prefix.
func (h *onnxHandle) extend(window []int) error {
	for _, id := range window {
		h.prefix = append(h.prefix, int64(id))
	}
	if len(h.prefix) == 0 {
		return errors.New("empty token context")
	}
	return nil
}

func (h *onnxHandle) decoderInputs(embedding *types.ImageEmbedding) ([]namedTensor, error) {
	seqLen := int64(len(h.prefix))
	encLen := int64(1)
	if len(embedding.Shape) > 1 {
		encLen = embedding.Shape[1]
	}

	inputs := make([]namedTensor, 0, len(h.decoder.inputInfo))
	for _, info := range h.decoder.inputInfo {
		switch {
		case info.Name == "input_ids":
			inputs = append(inputs, namedTensor{Name: info.Name, Shape: []int64{1, seqLen}, Data: h.prefix})
		case info.Name == "attention_mask":
			inputs = append(inputs, namedTensor{Name: info.Name, Shape: []int64{1, seqLen}, Data: ones(seqLen)})
		case info.Name == "encoder_hidden_states":
			inputs = append(inputs, namedTensor{Name: info.Name, Shape: embedding.Shape, Data: embedding.Data})
		case info.Name == "encoder_attention_mask":
			inputs = append(inputs, namedTensor{Name: info.Name, Shape: []int64{1, encLen}, Data: ones(encLen)})
		case info.Name == "use_cache_branch":
			inputs = append(inputs, namedTensor{Name: info.Name, Shape: []int64{1}, Data: []bool{false}})
		case strings.HasPrefix(info.Name, "past_key_values"):
			inputs = append(inputs, emptyPast(info))
		default:
			return nil, fmt.Errorf("unsupported decoder input %q", info.Name)
		}
	}

	return inputs, nil
}

// emptyPast builds a zero length cache tensor shaped [batch, heads, 0, dim].
func emptyPast(info tensorInfo) namedTensor {
	shape := make([]int64, len(info.Shape))
	for i, d := range info.Shape {
		switch {
		case i == 0:
			shape[i] = 1
		case i == 2 || d < 0:
			shape[i] = 0
		default:
			shape[i] = d
		}
	}

	var data any = []float32{}
	if info.DataType != ort.TensorElementDataTypeFloat {
		data = []int64{}
	}
	return namedTensor{Name: info.Name, Shape: shape, Data: data}
}

func lastPosition(logits namedTensor) ([]float32, error) {
	data := logits.Data.([]float32)
	if len(logits.Shape) != 3 {
		return nil, fmt.Errorf("unexpected logits shape %v", logits.Shape)
	}

	seqLen, vocab := logits.Shape[1], logits.Shape[2]
	start := (seqLen - 1) * vocab
	if start < 0 || start+vocab > int64(len(data)) {
		return nil, fmt.Errorf("logits shape %v does not match %d values", logits.Shape, len(data))
	}

	out := make([]float32, vocab)
	copy(out, data[start:start+vocab])
	return out, nil
}

func ones(n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func (h *onnxHandle) Close() error {
	h.vision.Close()
	h.decoder.Close()
	return nil
}
