// Package search indexes signed document versions so past agreements can be
// found by title or body text. Meilisearch serves queries when reachable;
// otherwise a Postgres ILIKE scan answers.
package search

import (
	"context"
	"log"

	"countersign/api/internal/store"
)

// Record is the slim projection of a signed version that gets indexed. The
// full body never leaves Postgres; the snippet is enough to recognize a hit.
type Record struct {
	VersionID  string `json:"id"`
	DocumentID string `json:"documentId"`
	OrgID      string `json:"orgId"`
	Title      string `json:"title"`
	Seq        int    `json:"seq"`
	Snippet    string `json:"snippet"`
	Body       string `json:"body"`
}

// Fallback is the Postgres query used when Meilisearch cannot answer.
// Implemented by store.PostgresStore.
type Fallback interface {
	SearchSignedVersions(ctx context.Context, query string, limit int) ([]store.VersionSearchHit, error)
}

// Service fronts Meilisearch with the Postgres fallback.
type Service struct {
	meili    *Meili
	fallback Fallback
}

// NewService creates the facade. meili may be nil when not configured.
func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, query string, limit int) ([]store.VersionSearchHit, error) {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.Search(query, limit)
		if err == nil {
			return hits, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchSignedVersions(ctx, query, limit)
}

// IndexSignedVersion pushes a signed version into the index, fire-and-forget.
func (s *Service) IndexSignedVersion(record Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSignedVersion(record); err != nil {
			log.Printf("search: index version %s: %v", record.VersionID, err)
		}
	}()
}
