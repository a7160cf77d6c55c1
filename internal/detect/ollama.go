package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ai-privacy-router/internal/model"
)

// OllamaEntityRecognizer is an AI-assisted EntityRecognizer backed by a
// local Ollama model, carried from the teacher's low-confidence
// verification layer (anonymizer.go's queryOllamaHTTP/dispatchOllamaAsync)
// as an additional recognizer input to the Detection Engine rather than a
// cache-miss side channel: the teacher used it to double-check a regex
// match asynchronously after already emitting a placeholder, where this
// system's Detection Engine runs every recognizer before the Planner
// builds the EntityMap, so there is no async-cache-population step to
// reproduce — only the HTTP call and response-parsing shape are reused.
type OllamaEntityRecognizer struct {
	endpoint   string
	model      string
	confidence float64
	httpClient *http.Client
}

// NewOllamaEntityRecognizer returns a recognizer that calls endpoint's
// /api/generate with model, keeping only detections at or above
// confidence — the same aiThreshold gate the teacher applies before
// trusting an Ollama detection.
func NewOllamaEntityRecognizer(endpoint, modelName string, confidence float64) *OllamaEntityRecognizer {
	return &OllamaEntityRecognizer{
		endpoint:   endpoint,
		model:      modelName,
		confidence: confidence,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEntityDetection struct {
	Original   string  `json:"original"`
	Kind       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

const ollamaEntityPrompt = `Analyze the following text for named entities (people, organizations, locations).
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found
- "type": one of: person, organization, location
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"Jane Doe","type":"person","confidence":0.95}]`

// Recognize sends text to the configured Ollama endpoint and returns every
// detection at or above the configured confidence threshold as Entities.
// Span offsets are recovered by locating the first case-sensitive
// occurrence of the detected text, matching the teacher's treatment of
// Ollama output as an opaque value rather than an offset-accurate span.
func (o *OllamaEntityRecognizer) Recognize(ctx context.Context, text string) ([]model.Entity, error) {
	detections, err := o.query(ctx, text)
	if err != nil {
		return nil, err
	}

	var out []model.Entity
	for _, d := range detections {
		if d.Confidence < o.confidence || d.Original == "" {
			continue
		}
		idx := strings.Index(text, d.Original)
		if idx < 0 {
			continue
		}
		out = append(out, model.Entity{
			Kind:       ollamaKind(d.Kind),
			Start:      idx,
			End:        idx + len(d.Original),
			Text:       d.Original,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

func ollamaKind(kind string) model.PIIKind {
	switch kind {
	case "person":
		return model.KindPerson
	case "organization":
		return model.KindOrganization
	case "location":
		return model.KindLocation
	default:
		return model.KindOther
	}
}

func (o *OllamaEntityRecognizer) query(ctx context.Context, text string) ([]ollamaEntityDetection, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: fmt.Sprintf(ollamaEntityPrompt, text),
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}

	var genResp ollamaGenerateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}

	raw := strings.TrimSpace(genResp.Response)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in ollama response")
	}
	raw = raw[start : end+1]

	var detections []ollamaEntityDetection
	if err := json.Unmarshal([]byte(raw), &detections); err != nil {
		return nil, fmt.Errorf("parse ollama detections: %w", err)
	}
	return detections, nil
}
