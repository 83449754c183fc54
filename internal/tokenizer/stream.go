package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

// Stream turns a growing token sequence into text fragments. A fragment is
// released only once the decoded text has grown and ends in a letter or digit,
// so text already handed out is never revised by later tokens.
//
// Stream is not safe for concurrent use.
type Stream struct {
	vocab   Vocabulary
	tokens  []int
	prev    int
	current int
}

func NewStream(vocab Vocabulary) *Stream {
	return &Stream{vocab: vocab}
}

// Push appends id and returns the newly stable text, if any.
func (s *Stream) Push(id int) (string, bool) {
	prevText := s.decode(s.prev, s.current)
	s.tokens = append(s.tokens, id)
	text := s.decode(s.prev, len(s.tokens))

	if len(text) <= len(prevText) {
		return "", false
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if !unicode.IsLetter(last) && !unicode.IsDigit(last) {
		return "", false
	}

	return s.advance(text, prevText), true
}

// Flush returns whatever text has not been released yet. Calling it again
// without pushing more tokens returns nothing.
func (s *Stream) Flush() (string, bool) {
	prevText := s.decode(s.prev, s.current)
	text := s.decode(s.prev, len(s.tokens))

	if len(text) <= len(prevText) {
		return "", false
	}

	return s.advance(text, prevText), true
}

// Tokens returns the ids pushed so far.
func (s *Stream) Tokens() []int {
	return s.tokens
}

func (s *Stream) advance(text, prevText string) string {
	s.prev = s.current
	s.current = len(s.tokens)
	return text[len(prevText):]
}

func (s *Stream) decode(from, to int) string {
	if from >= to {
		return ""
	}
	return s.vocab.Decode(s.tokens[from:to])
}
