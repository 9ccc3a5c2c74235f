// Package gcpdocai adapts cloud.google.com/go/documentai into the
// collab.OcrProvider contract, grounded on the teacher's documentService
// (same client construction, same processor-name assembly, same paragraph/
// text-anchor walk), narrowed from the teacher's general
// segments/tables/forms document extraction down to the single
// recognized-text-block shape the OCR stage executor needs.
package gcpdocai

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/inkframe/workflow-engine/internal/collab"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
)

// Provider is a collab.OcrProvider backed by a single synchronous
// DocumentAI processor; it expects ImageRef.StorageKey to be a GCS URI
// (gs://bucket/key) the processor's service account can read.
type Provider struct {
	log         *logger.Logger
	client      *documentai.DocumentProcessorClient
	projectID   string
	location    string
	processorID string
	version     string
}

func New(log *logger.Logger) (*Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("component", "gcpdocai.Provider")

	location := strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION"))
	if location == "" {
		location = "us"
	}
	projectID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROJECT_ID"))
	processorID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID"))
	if projectID == "" || processorID == "" {
		return nil, fmt.Errorf("DOCUMENTAI_PROJECT_ID and DOCUMENTAI_PROCESSOR_ID are required")
	}

	ctx := context.Background()
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, clientOptionsFromEnv()...)
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	slog.Info("document ai initialized", "endpoint", endpoint, "processor_id", processorID)
	return &Provider{
		log:         slog,
		client:      client,
		projectID:   projectID,
		location:    location,
		processorID: processorID,
		version:     strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_VERSION")),
	}, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (p *Provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Provider) Process(ctx context.Context, image collab.ImageRef, options map[string]any) (collab.OcrResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	mimeType, _ := options["mimeType"].(string)
	if mimeType == "" {
		mimeType = "image/png"
	}

	name := processorName(p.projectID, p.location, p.processorID, p.version)
	req := &documentaipb.ProcessRequest{
		Name: name,
		Source: &documentaipb.ProcessRequest_GcsDocument{
			GcsDocument: &documentaipb.GcsDocument{
				GcsUri:   image.StorageKey,
				MimeType: mimeType,
			},
		},
		FieldMask: &fieldmaskpb.FieldMask{Paths: []string{"text", "pages.paragraphs"}},
	}

	resp, err := p.client.ProcessDocument(ctx, req)
	if err != nil {
		return collab.OcrResult{}, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return collab.OcrResult{}, nil
	}

	return buildResult(resp.Document), nil
}

func buildResult(doc *documentaipb.Document) collab.OcrResult {
	blocks := make([]collab.OcrBlock, 0)
	var sumConf float64
	var n int

	for pi, page := range doc.Pages {
		if page == nil {
			continue
		}
		for bi, para := range page.Paragraphs {
			if para == nil || para.Layout == nil || para.Layout.TextAnchor == nil {
				continue
			}
			text := strings.TrimSpace(textFromAnchor(doc.Text, para.Layout.TextAnchor))
			if text == "" {
				continue
			}
			conf := float64(para.Layout.Confidence)
			blocks = append(blocks, collab.OcrBlock{
				ID:         strconv.Itoa(pi) + "-" + strconv.Itoa(bi),
				Text:       text,
				Confidence: conf,
				BBox:       boundingBox(para.Layout.BoundingPoly),
				Type:       "paragraph",
			})
			sumConf += conf
			n++
		}
	}

	mean := 0.0
	if n > 0 {
		mean = sumConf / float64(n)
	}
	return collab.OcrResult{Blocks: blocks, MeanConf: mean}
}

func boundingBox(poly *documentaipb.BoundingPoly) [4]float64 {
	if poly == nil || len(poly.NormalizedVertices) == 0 {
		return [4]float64{}
	}
	minX, minY := 1.0, 1.0
	maxX, maxY := 0.0, 0.0
	for _, v := range poly.NormalizedVertices {
		if v == nil {
			continue
		}
		x, y := float64(v.X), float64(v.Y)
		if x < minX {
			minX = x
		}
		if y < minY {
			minY = y
		}
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}
	return [4]float64{minX, minY, maxX, maxY}
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || len(anchor.TextSegments) == 0 || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start := int(seg.StartIndex)
		end := int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

func processorName(project, location, processorID, version string) string {
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}
