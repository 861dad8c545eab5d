package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// ModelLimit caps the request rate for one model.
type ModelLimit struct {
	Name string
	RPM  int // requests per minute, 0 = unlimited
	RPD  int // requests per day, 0 = unlimited
}

// DefaultLimits are the free-tier limits of the default models.
var DefaultLimits = map[string]ModelLimit{
	"gemini-2.5-flash":      {Name: "gemini-2.5-flash", RPM: 10, RPD: 250},
	"gemini-2.5-flash-lite": {Name: "gemini-2.5-flash-lite", RPM: 15, RPD: 1000},
}

// errAllModelsUnavailable is wrapped when every model was skipped or rate limited.
var errAllModelsUnavailable = errors.New("all models unavailable")

// contentGenerator is the slice of the genai client used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator calls Gemini, falling through the model list when a model
// is rate limited or missing.
type GeminiGenerator struct {
	models contentGenerator
	limits []ModelLimit
	now    func() time.Time

	mu           sync.Mutex
	dailyCount   map[string]int
	minuteCount  map[string]int
	lastResetDay time.Time
	lastResetMin time.Time
}

// Ensure implementation
var _ Generator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a client for the Gemini API.
func NewGeminiGenerator(ctx context.Context, apiKey string, models []string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiGenerator(client.Models, models, time.Now), nil
}

func newGeminiGenerator(models contentGenerator, names []string, now func() time.Time) *GeminiGenerator {
	limits := make([]ModelLimit, 0, len(names))
	for _, name := range names {
		limit, ok := DefaultLimits[name]
		if !ok {
			limit = ModelLimit{Name: name}
		}
		limits = append(limits, limit)
	}
	t := now()
	return &GeminiGenerator{
		models:       models,
		limits:       limits,
		now:          now,
		dailyCount:   make(map[string]int),
		minuteCount:  make(map[string]int),
		lastResetDay: t,
		lastResetMin: t,
	}
}

// Generate returns the first text produced by an available model.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	lastErr := errAllModelsUnavailable
	for _, limit := range g.limits {
		if !g.canUse(limit) {
			continue
		}

		resp, err := g.models.GenerateContent(ctx, limit.Name, genai.Text(prompt), nil)
		if err != nil {
			if isFallthrough(err) {
				lastErr = err
				continue
			}
			return "", err
		}
		g.record(limit)

		if text := responseText(resp); text != "" {
			return text, nil
		}
		lastErr = ErrEmptyResponse
	}
	return "", fmt.Errorf("%w: %v", errAllModelsUnavailable, lastErr)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// isFallthrough reports errors after which the next model is worth trying.
func isFallthrough(err error) bool {
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "exhausted", "404", "not found"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func (g *GeminiGenerator) canUse(limit ModelLimit) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.YearDay() != g.lastResetDay.YearDay() || now.Year() != g.lastResetDay.Year() {
		g.dailyCount = make(map[string]int)
		g.lastResetDay = now
	}
	if now.Sub(g.lastResetMin) >= time.Minute {
		g.minuteCount = make(map[string]int)
		g.lastResetMin = now
	}
	if limit.RPD > 0 && g.dailyCount[limit.Name] >= limit.RPD {
		return false
	}
	if limit.RPM > 0 && g.minuteCount[limit.Name] >= limit.RPM {
		return false
	}
	return true
}

func (g *GeminiGenerator) record(limit ModelLimit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyCount[limit.Name]++
	g.minuteCount[limit.Name]++
}
