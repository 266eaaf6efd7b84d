// Package collab holds the stage collaborators: the adapters between the
// pipeline executor and the external systems that do the actual content
// work (document parsing, model generation, the item bank).
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/platform/gcp"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

// Parse extracts text from the artifact's source document. Sources are
// looked up by artifact id: SOURCE_DIR/<id>.pdf on disk first, then
// sources/<id>.pdf in the source bucket.
type Parse struct {
	doc       gcp.Document
	bucket    gcp.Bucket
	sourceDir string

	projectID        string
	location         string
	processorID      string
	processorVersion string

	log *logger.Logger
}

func NewParse(doc gcp.Document, bucket gcp.Bucket, baseLog *logger.Logger) *Parse {
	return &Parse{
		doc:              doc,
		bucket:           bucket,
		sourceDir:        strings.TrimSpace(os.Getenv("SOURCE_DIR")),
		projectID:        strings.TrimSpace(os.Getenv("GCP_PROJECT_ID")),
		location:         strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION")),
		processorID:      strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID")),
		processorVersion: strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_VERSION")),
		log:              baseLog.With("collaborator", "parse"),
	}
}

func (p *Parse) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	data, err := p.readSource(ctx, req.ArtifactID)
	if err != nil {
		return nil, err
	}
	if p.doc == nil {
		return nil, errors.New("document parser is not configured")
	}

	res, err := p.doc.ProcessBytes(ctx, gcp.ProcessBytesRequest{
		ProjectID:        p.projectID,
		Location:         p.location,
		ProcessorID:      p.processorID,
		ProcessorVersion: p.processorVersion,
		MimeType:         "application/pdf",
		Data:             data,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, fmt.Errorf("no text extracted from source for %s", req.ArtifactID)
	}
	return json.Marshal(res)
}

func (p *Parse) readSource(ctx context.Context, artifactID string) ([]byte, error) {
	if p.sourceDir != "" {
		path := filepath.Join(p.sourceDir, artifactID+".pdf")
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if p.bucket != nil {
		return p.bucket.Download(ctx, "sources/"+artifactID+".pdf")
	}
	return nil, fmt.Errorf("no source document found for %s", artifactID)
}
