package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/platform/gcp"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/platform/openai"
)

const segmentSystemPrompt = `You split raw exam-prep source text into assessable segments.
Each segment covers exactly one testable concept with enough surrounding
text to write a standalone multiple-choice question from it. Preserve the
source wording; do not summarize or invent content.`

var segmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"segments": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic":     map[string]any{"type": "string"},
					"text":      map[string]any{"type": "string"},
					"atom_keys": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required":             []string{"topic", "text", "atom_keys"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"segments"},
	"additionalProperties": false,
}

// SegmentResult is the segment stage output shape.
type SegmentResult struct {
	Segments []SegmentEntry `json:"segments"`
}

type SegmentEntry struct {
	Topic    string   `json:"topic"`
	Text     string   `json:"text"`
	AtomKeys []string `json:"atom_keys"`
}

// Segment turns parsed source text into assessable segments via the model.
type Segment struct {
	ai  openai.Client
	log *logger.Logger
}

func NewSegment(ai openai.Client, baseLog *logger.Logger) *Segment {
	return &Segment{ai: ai, log: baseLog.With("collaborator", "segment")}
}

func (s *Segment) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	raw, ok := req.Inputs["parse"]
	if !ok {
		return nil, fmt.Errorf("parse output missing for %s", req.ArtifactID)
	}
	var parsed gcp.ParseResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode parse output: %w", err)
	}

	var b strings.Builder
	b.WriteString(parsed.Text)
	for _, t := range parsed.Tables {
		b.WriteString("\n\n")
		b.WriteString(t.Text)
	}

	obj, err := s.ai.GenerateJSON(ctx, segmentSystemPrompt, b.String(), "source_segments", segmentSchema)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	var check SegmentResult
	if err := json.Unmarshal(out, &check); err != nil {
		return nil, fmt.Errorf("model returned unexpected segment shape: %w", err)
	}
	if len(check.Segments) == 0 {
		return nil, fmt.Errorf("no segments produced for %s", req.ArtifactID)
	}
	return out, nil
}
