package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/platform/openai"
	"github.com/strideprep/itemforge-backend/internal/qti"
)

const generateQuestionPrompt = `You write QTI 3.0 assessment items for exam preparation.
Given source segments, write ONE four-choice multiple-choice item that
tests the first segment's concept. Output ONLY the qti-assessment-item
XML: identifier and title attributes, a qti-response-declaration with the
correct choice, and a qti-item-body with a qti-choice-interaction holding
a qti-prompt and four qti-simple-choice elements with unique identifiers.`

const generateVariantPrompt = `You write QTI 3.0 assessment items for exam preparation.
Given an existing item, write a VARIANT: same concept and difficulty,
different surface form (numbers, names, scenario). Never reuse the
original prompt wording. Output ONLY the qti-assessment-item XML in the
same structure as the original, with a new identifier.`

// Generate produces the item XML for an artifact. Question artifacts are
// written from their source segments; variant artifacts are rewrites of
// their parent's item.
type Generate struct {
	ai    openai.Client
	store *store.Store
	log   *logger.Logger
}

func NewGenerate(ai openai.Client, st *store.Store, baseLog *logger.Logger) *Generate {
	return &Generate{ai: ai, store: st, log: baseLog.With("collaborator", "generate")}
}

func (g *Generate) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	var system, user string
	switch req.Kind {
	case "variant":
		parentXML, err := g.parentItem(ctx, req.ArtifactID)
		if err != nil {
			return nil, err
		}
		system = generateVariantPrompt
		user = string(parentXML)
	default:
		raw, ok := req.Inputs["segment"]
		if !ok {
			return nil, fmt.Errorf("segment output missing for %s", req.ArtifactID)
		}
		var segs SegmentResult
		if err := json.Unmarshal(raw, &segs); err != nil {
			return nil, fmt.Errorf("decode segment output: %w", err)
		}
		if len(segs.Segments) == 0 {
			return nil, fmt.Errorf("no segments available for %s", req.ArtifactID)
		}
		system = generateQuestionPrompt
		user = string(raw)
	}

	text, err := g.ai.GenerateText(ctx, system, user)
	if err != nil {
		return nil, err
	}
	xml := extractXML(text)
	if xml == "" {
		return nil, fmt.Errorf("model returned no qti-assessment-item element")
	}
	if _, err := qti.ParseItem([]byte(xml)); err != nil {
		return nil, fmt.Errorf("model returned malformed item XML: %w", err)
	}
	return []byte(xml), nil
}

func (g *Generate) parentItem(ctx context.Context, artifactID string) ([]byte, error) {
	art, err := g.store.Artifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if art == nil || art.ParentID == "" {
		return nil, fmt.Errorf("variant %s has no parent artifact", artifactID)
	}
	xml, err := g.store.ReadOutput(ctx, art.ParentID, "generate")
	if err != nil {
		return nil, fmt.Errorf("read parent item for %s: %w", artifactID, err)
	}
	return xml, nil
}

// extractXML strips any prose or code fences the model wrapped around the
// item element.
func extractXML(text string) string {
	start := strings.Index(text, "<qti-assessment-item")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "</qti-assessment-item>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : end+len("</qti-assessment-item>")])
}
