package types

const (
	ImageSize     = 384
	ImageChannels = 3
)

// Token ids of the BERT style vocabulary the caption decoder is trained on.
const (
	BOSTokenID       = 30522
	SeparatorTokenID = 102
)

// EndOfMessage is sent as a standalone text frame after the last fragment
// of every streamed caption.
const EndOfMessage = "<EOM>"

// ImageTensor is a normalized image in channel-first layout, 3x384x384.
type ImageTensor struct {
	Data []float32
}

func NewImageTensor() *ImageTensor {
	return &ImageTensor{Data: make([]float32, ImageChannels*ImageSize*ImageSize)}
}

func (t *ImageTensor) Shape() []int64 {
	return []int64{ImageChannels, ImageSize, ImageSize}
}

// At returns the value at channel c, row y and column x.
func (t *ImageTensor) At(c, y, x int) float32 {
	return t.Data[c*ImageSize*ImageSize+y*ImageSize+x]
}

// ImageEmbedding is the vision encoder output consumed by every decode step.
type ImageEmbedding struct {
	Data  []float32
	Shape []int64
}

// ModelRef names a model repository at a fixed revision.
type ModelRef struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
}

func (r ModelRef) String() string {
	if r.Revision == "" {
		return r.ID
	}
	return r.ID + "@" + r.Revision
}
