// Package synth generates question/answer pairs from corpus chunks for
// fine-tuning data. Generation goes through the configured LLM; every pair is
// checked for grounding against its chunk before it is trusted, since models
// happily invent plausible campus policies.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/campuskb/campuskb/internal/log"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenkitGenerator adapts a Genkit instance to the Generator interface.
type GenkitGenerator struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitGenerator creates a generator bound to a model name, e.g.
// "googleai/gemini-2.5-flash".
func NewGenkitGenerator(g *genkit.Genkit, model string) *GenkitGenerator {
	return &GenkitGenerator{g: g, model: model}
}

// Generate implements Generator.
func (gg *GenkitGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	response, err := genkit.Generate(ctx, gg.g,
		ai.WithModelName(gg.model),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating with %s: %w", gg.model, err)
	}
	return strings.TrimSpace(response.Text()), nil
}

// Pair is one synthesized question/answer pair.
type Pair struct {
	Question string
	Answer   string
	Grounded bool // answer tokens sufficiently covered by the chunk
}

// Config tunes the synthesizer.
type Config struct {
	MaxPairsPerChunk  int
	OverlapThreshold  float64 // minimum fraction of answer tokens found in the chunk
	MaxRetries        int
	RequestsPerSecond float64
}

// Synthesizer turns chunks into QA pairs. One shared rate limiter covers all
// callers so concurrent synthesis workers stay within the provider quota.
type Synthesizer struct {
	gen     Generator
	cfg     Config
	limiter *rate.Limiter
	logger  log.Logger
}

// New creates a synthesizer.
func New(gen Generator, cfg Config, logger log.Logger) *Synthesizer {
	return &Synthesizer{
		gen:     gen,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// Synthesize generates up to MaxPairsPerChunk pairs for a chunk. Transient
// generation failures are retried with exponential backoff; malformed lines
// in the response are skipped rather than failing the chunk.
func (s *Synthesizer) Synthesize(ctx context.Context, chunkText string) ([]Pair, error) {
	prompt := buildPrompt(chunkText, s.cfg.MaxPairsPerChunk)

	var raw string
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxRetries), retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := s.gen.Generate(ctx, prompt)
		if err != nil {
			s.logger.Warn("generation attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing QA pairs: %w", err)
	}

	pairs := ParsePairs(raw)
	if len(pairs) > s.cfg.MaxPairsPerChunk {
		pairs = pairs[:s.cfg.MaxPairsPerChunk]
	}
	for i := range pairs {
		pairs[i].Grounded = TokenOverlap(pairs[i].Answer, chunkText) >= s.cfg.OverlapThreshold
	}
	return pairs, nil
}

// buildPrompt asks for one pair per line in a "question ||| answer" format,
// which survives model formatting quirks better than JSON for short outputs.
func buildPrompt(chunkText string, maxPairs int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are preparing training data for a university assistant.\n")
	fmt.Fprintf(&b, "Generate up to %d question and answer pairs strictly from the passage below.\n", maxPairs)
	b.WriteString("Rules:\n")
	b.WriteString("- Every answer must be fully supported by the passage. Do not add outside facts.\n")
	b.WriteString("- One pair per line, in the exact format: question ||| answer\n")
	b.WriteString("- No numbering, no labels, no extra commentary.\n\n")
	b.WriteString("Passage:\n")
	b.WriteString(chunkText)
	return b.String()
}

// ParsePairs extracts pairs from model output. Each useful line contains a
// single "|||" separator; stray "Q:"/"A:" labels and list numbering are
// scrubbed, anything else malformed is dropped.
func ParsePairs(raw string) []Pair {
	var pairs []Pair
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(line, "|||")
		if len(parts) != 2 {
			continue
		}
		q := scrubLabel(parts[0])
		a := scrubLabel(parts[1])
		if q == "" || a == "" {
			continue
		}
		pairs = append(pairs, Pair{Question: q, Answer: a})
	}
	return pairs
}

// scrubLabel trims whitespace, list numbering and Q:/A: prefixes models tend
// to add despite instructions.
func scrubLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "0123456789.)- ")
	for _, prefix := range []string{"Q:", "q:", "A:", "a:", "Question:", "Answer:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	return strings.TrimSpace(s)
}

// TokenOverlap returns the fraction of answer tokens that appear in the
// source text, both lowercased and stripped of punctuation. 1.0 means every
// answer token is present; an empty answer scores 0.
func TokenOverlap(answer, source string) float64 {
	answerTokens := tokenize(answer)
	if len(answerTokens) == 0 {
		return 0
	}

	sourceSet := make(map[string]struct{})
	for _, tok := range tokenize(source) {
		sourceSet[tok] = struct{}{}
	}

	found := 0
	for _, tok := range answerTokens {
		if _, ok := sourceSet[tok]; ok {
			found++
		}
	}
	return float64(found) / float64(len(answerTokens))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
