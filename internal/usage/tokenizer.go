// Package usage implements the Usage Recorder & Tokenizer (C9): per-endpoint
// token counting, carbon/cost derivation, and a best-effort async sink for
// the finalized Usage of each request.
package usage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opengatellm/gateway/internal/providers"
	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps a model name prefix to its tiktoken encoding and
// nominal context window, used to pick an encoding when a request names an
// unrecognized model.
var modelEncodings = map[string]struct {
	encoding  string
	maxTokens int
}{
	"gpt-4o":                 {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4-turbo":            {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":                  {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo":          {encoding: "cl100k_base", maxTokens: 16385},
	"text-embedding-3-large": {encoding: "cl100k_base", maxTokens: 8191},
	"text-embedding-3-small": {encoding: "cl100k_base", maxTokens: 8191},
}

const defaultEncoding = "cl100k_base"

// Tokenizer counts prompt and completion tokens for a named model, lazily
// loading its tiktoken encoding on first use.
type Tokenizer struct {
	model    string
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTokenizer resolves model to an encoding via exact match, then prefix
// match, then falls back to cl100k_base — the same three-step resolution
// the pack's tiktoken-based tokenizer uses.
func NewTokenizer(model string) *Tokenizer {
	encoding := defaultEncoding
	if info, ok := modelEncodings[model]; ok {
		encoding = info.encoding
	} else {
		for prefix, info := range modelEncodings {
			if strings.HasPrefix(model, prefix) {
				encoding = info.encoding
				break
			}
		}
	}
	return &Tokenizer{model: model, encoding: encoding}
}

func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("usage: init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountText counts the tokens in a single string (used for embeddings and
// non-chat prompt counting).
func (t *Tokenizer) CountText(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages counts prompt tokens for a chat request, applying OpenAI's
// documented per-message and per-conversation overhead.
func (t *Tokenizer) CountMessages(messages []providers.Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		total += 4 // <|start|>role\ncontent<|end|>\n overhead
		total += len(t.enc.Encode(m.Content, nil, nil))
		total += len(t.enc.Encode(m.Role, nil, nil))
	}
	total += 3 // conversation-end overhead
	return total, nil
}

// CountStreamDeltas concatenates buffered non-empty, non-terminal chunk
// deltas and counts the result — the completion-token path for streaming
// chat per §4.9.
func (t *Tokenizer) CountStreamDeltas(deltas []string) (int, error) {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(d)
	}
	return t.CountText(sb.String())
}
