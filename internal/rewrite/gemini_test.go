package rewrite

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"
)

type fakeModels struct {
	replies map[string]func() (*genai.GenerateContentResponse, error)
	calls   []string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls = append(f.calls, model)
	if r, ok := f.replies[model]; ok {
		return r()
	}
	return nil, errors.New("404 model not found")
}

func textResponse(s string) func() (*genai.GenerateContentResponse, error) {
	return func() (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: s}}},
			}},
		}, nil
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGeminiFallsThroughRateLimitedModel(t *testing.T) {
	models := &fakeModels{replies: map[string]func() (*genai.GenerateContentResponse, error){
		"a": func() (*genai.GenerateContentResponse, error) { return nil, errors.New("Error 429: RESOURCE_EXHAUSTED") },
		"b": textResponse("ok"),
	}}
	g := newGeminiGenerator(models, []string{"a", "b"}, fixedClock(time.Now()))

	out, err := g.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok" {
		t.Errorf("out = %q", out)
	}
	if len(models.calls) != 2 {
		t.Errorf("calls = %v", models.calls)
	}
}

func TestGeminiStopsOnHardError(t *testing.T) {
	hard := errors.New("invalid api key")
	models := &fakeModels{replies: map[string]func() (*genai.GenerateContentResponse, error){
		"a": func() (*genai.GenerateContentResponse, error) { return nil, hard },
		"b": textResponse("ok"),
	}}
	g := newGeminiGenerator(models, []string{"a", "b"}, fixedClock(time.Now()))

	if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, hard) {
		t.Fatalf("err = %v, want %v", err, hard)
	}
	if len(models.calls) != 1 {
		t.Errorf("calls = %v", models.calls)
	}
}

func TestGeminiRespectsPerMinuteLimit(t *testing.T) {
	DefaultLimits["limited-test"] = ModelLimit{Name: "limited-test", RPM: 1}
	defer delete(DefaultLimits, "limited-test")

	models := &fakeModels{replies: map[string]func() (*genai.GenerateContentResponse, error){
		"limited-test": textResponse("first"),
	}}
	g := newGeminiGenerator(models, []string{"limited-test"}, fixedClock(time.Now()))

	if _, err := g.Generate(context.Background(), "p"); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	_, err := g.Generate(context.Background(), "p")
	if !errors.Is(err, errAllModelsUnavailable) {
		t.Fatalf("second Generate err = %v, want errAllModelsUnavailable", err)
	}
	if len(models.calls) != 1 {
		t.Errorf("calls = %v", models.calls)
	}
}

func TestGeminiEmptyCandidates(t *testing.T) {
	models := &fakeModels{replies: map[string]func() (*genai.GenerateContentResponse, error){
		"a": func() (*genai.GenerateContentResponse, error) { return &genai.GenerateContentResponse{}, nil },
	}}
	g := newGeminiGenerator(models, []string{"a"}, fixedClock(time.Now()))
	if _, err := g.Generate(context.Background(), "p"); err == nil {
		t.Fatal("expected error for empty response")
	}
}
