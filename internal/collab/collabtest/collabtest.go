// Package collabtest provides in-memory, fixture-backed doubles for every
// collab interface, for orchestrator and executor tests that need a
// deterministic collaborator set without a network call.
package collabtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/inkframe/workflow-engine/internal/collab"
)

// Store is an in-memory collab.ProjectStore.
type Store struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]map[string]any
	images    map[uuid.UUID][]collab.ImageRef
	notes     map[uuid.UUID]map[uuid.UUID]collab.Note
	clusters  map[uuid.UUID][]collab.Cluster
	summaries map[uuid.UUID]map[string]any
	artifacts map[uuid.UUID]map[string]map[string]any
}

func NewStore() *Store {
	return &Store{
		projects:  map[uuid.UUID]map[string]any{},
		images:    map[uuid.UUID][]collab.ImageRef{},
		notes:     map[uuid.UUID]map[uuid.UUID]collab.Note{},
		clusters:  map[uuid.UUID][]collab.Cluster{},
		summaries: map[uuid.UUID]map[string]any{},
		artifacts: map[uuid.UUID]map[string]map[string]any{},
	}
}

func (s *Store) SeedImages(projectID uuid.UUID, images []collab.ImageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[projectID] = images
	if _, ok := s.projects[projectID]; !ok {
		s.projects[projectID] = map[string]any{"id": projectID.String(), "status": "processing"}
	}
}

func (s *Store) GetProject(ctx context.Context, projectID uuid.UUID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("collabtest: project %s not found", projectID)
	}
	return p, nil
}

func (s *Store) UpdateProjectStatus(ctx context.Context, projectID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		p = map[string]any{"id": projectID.String()}
	}
	p["status"] = status
	s.projects[projectID] = p
	return nil
}

func (s *Store) GetImages(ctx context.Context, projectID uuid.UUID) ([]collab.ImageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collab.ImageRef{}, s.images[projectID]...), nil
}

func (s *Store) GetNotes(ctx context.Context, projectID uuid.UUID) ([]collab.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.Note, 0, len(s.notes[projectID]))
	for _, n := range s.notes[projectID] {
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) GetClusters(ctx context.Context, projectID uuid.UUID) ([]collab.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collab.Cluster{}, s.clusters[projectID]...), nil
}

func (s *Store) UpsertNotes(ctx context.Context, projectID uuid.UUID, notes []collab.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[projectID]
	if !ok {
		m = map[uuid.UUID]collab.Note{}
	}
	for _, n := range notes {
		m[n.ID] = n
	}
	s.notes[projectID] = m
	return nil
}

func (s *Store) ReplaceClusters(ctx context.Context, projectID uuid.UUID, clusters []collab.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[projectID] = append([]collab.Cluster{}, clusters...)
	return nil
}

func (s *Store) PutSummary(ctx context.Context, projectID uuid.UUID, summary map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[projectID] = summary
	return nil
}

func (s *Store) PutExportArtifact(ctx context.Context, projectID uuid.UUID, format string, artifact map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.artifacts[projectID]
	if !ok {
		m = map[string]map[string]any{}
	}
	m[format] = artifact
	s.artifacts[projectID] = m
	return nil
}

// Snapshot captures the requested notes by id, or every note currently
// owned by the project when entityIDs is empty (the orchestrator's
// checkpoint step passes nil, meaning "whatever is in scope right now").
func (s *Store) Snapshot(ctx context.Context, projectID uuid.UUID, entityIDs []uuid.UUID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := map[string]collab.Note{}
	if len(entityIDs) == 0 {
		for id, n := range s.notes[projectID] {
			notes[id.String()] = n
		}
	} else {
		for _, id := range entityIDs {
			if n, ok := s.notes[projectID][id]; ok {
				notes[id.String()] = n
			}
		}
	}
	return map[string]any{
		"notes":    notes,
		"clusters": append([]collab.Cluster{}, s.clusters[projectID]...),
	}, nil
}

func (s *Store) ApplyRollback(ctx context.Context, projectID uuid.UUID, action map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, _ := action["op"].(string)
	switch op {
	case "clear_clusters":
		s.clusters[projectID] = nil
	case "clear_summary":
		delete(s.summaries, projectID)
	}
	return nil
}

// Restore accepts the shape Snapshot returns, either as native Go values
// (a rollback applied immediately after a same-process Snapshot) or as the
// generic map/slice shape produced by decoding the checkpoint's persisted
// JSON (a rollback against an older checkpoint read back from storage) —
// the same tolerance a real SQL-backed ProjectStore needs, since
// Checkpoint.ProjectSnapshot always round-trips through JSON once
// persisted.
func (s *Store) Restore(ctx context.Context, projectID uuid.UUID, snapshot map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := decodeNotes(snapshot["notes"])
	if err != nil {
		return fmt.Errorf("collabtest: decode snapshot notes: %w", err)
	}
	m := s.notes[projectID]
	if m == nil {
		m = map[uuid.UUID]collab.Note{}
	}
	for _, n := range notes {
		m[n.ID] = n
	}
	s.notes[projectID] = m

	clusters, err := decodeClusters(snapshot["clusters"])
	if err != nil {
		return fmt.Errorf("collabtest: decode snapshot clusters: %w", err)
	}
	s.clusters[projectID] = clusters
	return nil
}

func decodeNotes(raw any) ([]collab.Note, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]collab.Note:
		out := make([]collab.Note, 0, len(v))
		for _, n := range v {
			out = append(out, n)
		}
		return out, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var byID map[string]collab.Note
		if err := json.Unmarshal(b, &byID); err != nil {
			return nil, err
		}
		out := make([]collab.Note, 0, len(byID))
		for _, n := range byID {
			out = append(out, n)
		}
		return out, nil
	}
}

func decodeClusters(raw any) ([]collab.Cluster, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []collab.Cluster:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out []collab.Cluster
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// OCR is a scripted collab.OcrProvider: fixed blocks per image ID.
type OCR struct {
	Results map[uuid.UUID]collab.OcrResult
}

func (o *OCR) Process(ctx context.Context, image collab.ImageRef, options map[string]any) (collab.OcrResult, error) {
	if r, ok := o.Results[image.ID]; ok {
		return r, nil
	}
	return collab.OcrResult{}, nil
}

// Cleaner is a deterministic no-op collab.Cleaner: it returns rawText
// unchanged with no corrections.
type Cleaner struct{}

func (Cleaner) Clean(ctx context.Context, rawText string, options map[string]any) (string, map[string]int, error) {
	return rawText, map[string]int{}, nil
}

// Clusterer groups every note into a single fixed cluster; good enough for
// exercising the pipeline shape without a real clustering backend.
type Clusterer struct{}

func (Clusterer) Cluster(ctx context.Context, notes []collab.Note, method string, targetClusters int) ([]collab.Cluster, error) {
	if len(notes) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	return []collab.Cluster{{ID: uuid.New(), Label: "general", MemberIDs: ids, Confidence: 1}}, nil
}

// Summarizer derives a trivial summary from cluster labels.
type Summarizer struct{}

func (Summarizer) Summarize(ctx context.Context, clusters []collab.Cluster, notes []collab.Note, options map[string]any) (collab.SummaryResult, error) {
	themes := make([]string, 0, len(clusters))
	dist := map[string]float64{}
	for _, c := range clusters {
		themes = append(themes, c.Label)
		if len(notes) > 0 {
			dist[c.Label] = float64(len(c.MemberIDs)) / float64(len(notes))
		}
	}
	return collab.SummaryResult{TopThemes: themes, Distribution: dist}, nil
}

// Renderer returns one fixed artifact per requested format.
type Renderer struct{}

func (Renderer) Render(ctx context.Context, summary collab.SummaryResult, images []collab.ImageRef, formats []string) ([]collab.ExportArtifact, error) {
	out := make([]collab.ExportArtifact, 0, len(formats))
	for _, f := range formats {
		out = append(out, collab.ExportArtifact{ID: uuid.New().String(), Format: f, URI: "memory://" + f})
	}
	return out, nil
}

// Blobs is an in-memory collab.BlobStore.
type Blobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewBlobs() *Blobs { return &Blobs{data: map[string][]byte{}} }

func (b *Blobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("collabtest: blob %q not found", key)
	}
	return v, nil
}

func (b *Blobs) Put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *Blobs) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

// Cache is an in-memory collab.Cache; ttlSeconds is accepted but ignored
// (no real expiry), adequate for deterministic tests.
type Cache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewCache() *Cache { return &Cache{data: map[string][]byte{}} }

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *Cache) Put(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *Cache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
