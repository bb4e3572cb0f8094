package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"countersign/api/internal/store"
	"countersign/api/internal/token"
	"countersign/api/internal/util"
)

// PublishedLink pairs the stored row with the one-time share URL. The raw
// token appears here and nowhere else.
type PublishedLink struct {
	Link     store.ShareLink
	ShareURL string
}

// accessDenied is the single response for every unshareable state: unknown
// token, revoked, expired, wrong password. Collapsing them means a probe
// cannot learn whether a link ever existed.
func accessDenied() *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, "not found", nil)
}

// Publish mints a share link for a version that has a rendered artifact.
func (s *Service) Publish(ctx context.Context, versionID string, expiresAt *time.Time, password, actor string) (PublishedLink, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return PublishedLink{}, err
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return PublishedLink{}, err
	}
	job, err := s.store.LatestSuccessfulRenderJob(ctx, versionID)
	if err != nil {
		return PublishedLink{}, err
	}
	if job == nil {
		return PublishedLink{}, domainError(http.StatusConflict, "NoRenderedArtifact",
			"version has no successfully rendered artifact", nil)
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return PublishedLink{}, domainError(http.StatusBadRequest, "InvalidExpiry",
			"expiresAt must be in the future", nil)
	}

	rawToken, err := token.Mint()
	if err != nil {
		return PublishedLink{}, err
	}

	var passwordHash *string
	if strings.TrimSpace(password) != "" {
		hashed, err := token.HashPassword(password)
		if err != nil {
			return PublishedLink{}, err
		}
		passwordHash = &hashed
	}

	link := store.ShareLink{
		ID:                util.NewID("shl"),
		OrgID:             document.OrgID,
		DocumentVersionID: versionID,
		TokenDigest:       token.Digest([]byte(s.cfg.ShareTokenSecret), rawToken),
		PasswordHash:      passwordHash,
		ExpiresAt:         expiresAt,
		CreatedBy:         actor,
	}
	if err := s.store.InsertShareLink(ctx, link); err != nil {
		return PublishedLink{}, err
	}
	s.audit(ctx, "share.published", actor, document.ID, versionID, map[string]any{"shareLinkId": link.ID})

	stored, err := s.store.GetShareLink(ctx, link.ID)
	if err != nil {
		return PublishedLink{}, err
	}
	return PublishedLink{
		Link:     stored,
		ShareURL: strings.TrimRight(s.cfg.ShareBaseURL, "/") + "/share/" + rawToken,
	}, nil
}

func (s *Service) GetShareLink(ctx context.Context, linkID string) (store.ShareLink, error) {
	return s.store.GetShareLink(ctx, linkID)
}

// Revoke disables a link. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, linkID, actor string) (store.ShareLink, error) {
	link, err := s.store.GetShareLink(ctx, linkID)
	if err != nil {
		return store.ShareLink{}, err
	}
	if link.RevokedAt == nil {
		if err := s.store.RevokeShareLink(ctx, linkID); err != nil {
			return store.ShareLink{}, err
		}
		s.audit(ctx, "share.revoked", actor, "", link.DocumentVersionID, map[string]any{"shareLinkId": linkID})
	}
	return s.store.GetShareLink(ctx, linkID)
}

// ResolveAccess serves a public fetch. A granted access is counted and
// logged atomically; a denied one leaves no trace on the link.
func (s *Service) ResolveAccess(ctx context.Context, rawToken, password, ip, userAgent string) ([]byte, store.ShareLink, error) {
	link, err := s.store.GetShareLinkByDigest(ctx, token.Digest([]byte(s.cfg.ShareTokenSecret), rawToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ShareLink{}, accessDenied()
	}
	if err != nil {
		return nil, store.ShareLink{}, err
	}

	if link.RevokedAt != nil {
		return nil, store.ShareLink{}, accessDenied()
	}
	if link.ExpiresAt != nil && !link.ExpiresAt.After(time.Now()) {
		return nil, store.ShareLink{}, accessDenied()
	}
	if link.PasswordHash != nil && !token.CheckPassword(*link.PasswordHash, password) {
		return nil, store.ShareLink{}, accessDenied()
	}

	job, err := s.store.LatestSuccessfulRenderJob(ctx, link.DocumentVersionID)
	if err != nil {
		return nil, store.ShareLink{}, err
	}
	if job == nil {
		return nil, store.ShareLink{}, accessDenied()
	}
	pdf, err := s.artifacts.Get(ctx, job.PDFSHA256)
	if err != nil {
		return nil, store.ShareLink{}, err
	}

	granted, err := s.store.RecordShareAccess(ctx, link.ID, ip, userAgent)
	if err != nil {
		return nil, store.ShareLink{}, err
	}
	if !granted {
		// Revoked or expired between the check and the count.
		return nil, store.ShareLink{}, accessDenied()
	}
	s.audit(ctx, "share.accessed", "public", "", link.DocumentVersionID, map[string]any{"shareLinkId": link.ID})

	stored, err := s.store.GetShareLink(ctx, link.ID)
	if err != nil {
		return nil, store.ShareLink{}, err
	}
	return pdf, stored, nil
}

// ListAccessLogs returns a link's access history, newest first.
func (s *Service) ListAccessLogs(ctx context.Context, linkID string, limit int) ([]store.ShareLinkAccess, error) {
	if _, err := s.store.GetShareLink(ctx, linkID); err != nil {
		return nil, err
	}
	return s.store.ListShareAccessLog(ctx, linkID, limit)
}
