package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

var ErrLoad = errors.New("failed to load tokenizer")

// Vocabulary maps token ids back to text.
type Vocabulary interface {
	Decode(ids []int) string
}

// codec is the subset of a HuggingFace tokenizer used here.
type codec interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// HFVocabulary decodes with a HuggingFace tokenizer.json, skipping special
// tokens the way the reference tokenizers do when asked to.
type HFVocabulary struct {
	tok     codec
	special map[int]struct{}
}

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Load reads tokenizer.json at path. A tokenizer_config.json next to it is
// used when present.
func Load(path string) (*HFVocabulary, error) {
	var config *api.Config
	configPath := filepath.Join(filepath.Dir(path), "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		config, err = api.ParseConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing tokenizer config: %w", ErrLoad, err)
		}
	}

	tok, err := hftokenizer.NewFromFile(config, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	special, err := readSpecialTokens(path)
	if err != nil {
		return nil, err
	}

	return NewHFVocabulary(tok, special), nil
}

func NewHFVocabulary(tok codec, special []int) *HFVocabulary {
	v := &HFVocabulary{
		tok:     tok,
		special: map[int]struct{}{types.BOSTokenID: {}},
	}
	for _, id := range special {
		v.special[id] = struct{}{}
	}

	return v
}

func readSpecialTokens(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	var doc struct {
		AddedTokens []addedToken `json:"added_tokens"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrLoad, filepath.Base(path), err)
	}

	var ids []int
	for _, t := range doc.AddedTokens {
		if t.Special {
			ids = append(ids, t.ID)
		}
	}

	return ids, nil
}

func (v *HFVocabulary) IsSpecial(id int) bool {
	_, ok := v.special[id]
	return ok
}

func (v *HFVocabulary) Decode(ids []int) string {
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if !v.IsSpecial(id) {
			kept = append(kept, id)
		}
	}

	if len(kept) == 0 {
		return ""
	}

	return v.tok.Decode(kept)
}

// Encode is used by the download command to sanity check a fetched vocabulary.
func (v *HFVocabulary) Encode(text string) []int {
	return v.tok.Encode(text)
}
