// Package imagerender implements collab.ExportRenderer by drawing a summary
// document as a PNG page (via github.com/fogleman/gg, a canvas-style API
// over golang.org/x/image/font and github.com/golang/freetype for glyph
// rasterization) and marshaling the same summary as JSON/CSV. No teacher
// file renders images; this package is grounded on the fogleman/gg
// canvas-drawing idiom referenced elsewhere in the example pack's domain
// stack rather than on a specific teacher source file.
package imagerender

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image/color"
	"strings"

	"github.com/fogleman/gg"
	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
)

const (
	pageWidth  = 1024
	pageHeight = 1448
	margin     = 64
)

// Renderer implements collab.ExportRenderer; Put persists rendered bytes via
// a BlobStore and the returned ExportArtifact.URI is the storage key.
type Renderer struct {
	blobs     collab.BlobStore
	keyPrefix string
}

func New(blobs collab.BlobStore, keyPrefix string) *Renderer {
	return &Renderer{blobs: blobs, keyPrefix: strings.TrimRight(keyPrefix, "/")}
}

func (r *Renderer) Render(ctx context.Context, summary collab.SummaryResult, images []collab.ImageRef, formats []string) ([]collab.ExportArtifact, error) {
	if len(formats) == 0 {
		formats = []string{"png", "json"}
	}
	artifacts := make([]collab.ExportArtifact, 0, len(formats))
	for _, format := range formats {
		var payload []byte
		var err error
		switch strings.ToLower(format) {
		case "png":
			payload, err = renderPNG(summary)
		case "json":
			payload, err = json.MarshalIndent(summary, "", "  ")
		case "csv":
			payload, err = renderCSV(summary)
		default:
			return nil, fmt.Errorf("imagerender: unsupported export format %q", format)
		}
		if err != nil {
			return nil, fmt.Errorf("imagerender: render %s: %w", format, err)
		}

		artifactID := uuid.New()
		key := fmt.Sprintf("%s/%s.%s", r.keyPrefix, artifactID, format)
		if err := r.blobs.Put(ctx, key, payload); err != nil {
			return nil, fmt.Errorf("imagerender: store %s: %w", format, err)
		}
		artifacts = append(artifacts, collab.ExportArtifact{ID: artifactID.String(), Format: format, URI: key})
	}
	return artifacts, nil
}

func renderPNG(summary collab.SummaryResult) ([]byte, error) {
	dc := gg.NewContext(pageWidth, pageHeight)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetColor(color.Black)

	y := float64(margin)
	dc.DrawStringAnchored("Note Summary", margin, y, 0, 1)
	y += 48

	dc.DrawStringAnchored("Top Themes", margin, y, 0, 1)
	y += 32
	for _, theme := range summary.TopThemes {
		dc.DrawStringAnchored("- "+theme, margin+16, y, 0, 1)
		y += 28
	}

	y += 16
	dc.DrawStringAnchored("Insights", margin, y, 0, 1)
	y += 32
	for _, insight := range summary.Insights {
		for _, line := range wrap(insight, 80) {
			dc.DrawStringAnchored(line, margin+16, y, 0, 1)
			y += 26
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderCSV(summary collab.SummaryResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"theme", "share"})
	for theme, share := range summary.Distribution {
		_ = w.Write([]string{theme, fmt.Sprintf("%.4f", share)})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len()+len(w)+1 > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
