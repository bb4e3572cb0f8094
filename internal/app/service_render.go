package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"countersign/api/internal/export"
	"countersign/api/internal/store"
	"countersign/api/internal/util"
)

// renderEligible checks the gate for requestRender and regenerate: the
// version content must be frozen, and SoWs additionally need a signed round.
// Report runs render as soon as they are locked.
func renderEligible(document store.Document, version store.DocumentVersion) error {
	if !version.Locked() {
		return domainError(http.StatusConflict, CodeVersionNotLocked, "version content is not locked", nil)
	}
	if document.Kind == store.KindSoW && version.Status != store.VersionSigned {
		return domainError(http.StatusConflict, CodeVersionNotApproved,
			"statement of work is not signed", map[string]any{"status": string(version.Status)})
	}
	return nil
}

// RequestRender is idempotent: an active job, or failing that the most recent
// terminal job, is returned unchanged. Only a version with no job history
// gets a new one. A fresh attempt after a terminal job is an explicit
// Regenerate call.
func (s *Service) RequestRender(ctx context.Context, versionID, actor string) (store.RenderJob, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.RenderJob{}, err
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return store.RenderJob{}, err
	}
	if err := renderEligible(document, version); err != nil {
		return store.RenderJob{}, err
	}

	if active, err := s.store.ActiveRenderJob(ctx, versionID); err != nil {
		return store.RenderJob{}, err
	} else if active != nil {
		return *active, nil
	}
	if latest, err := s.store.LatestRenderJob(ctx, versionID); err != nil {
		return store.RenderJob{}, err
	} else if latest != nil {
		return *latest, nil
	}
	return s.createRenderJob(ctx, versionID, actor)
}

// Regenerate queues a brand-new job even when a terminal one exists. If a job
// is still active it is returned unchanged; running jobs cannot be canceled.
func (s *Service) Regenerate(ctx context.Context, versionID, actor string) (store.RenderJob, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.RenderJob{}, err
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return store.RenderJob{}, err
	}
	if err := renderEligible(document, version); err != nil {
		return store.RenderJob{}, err
	}

	if active, err := s.store.ActiveRenderJob(ctx, versionID); err != nil {
		return store.RenderJob{}, err
	} else if active != nil {
		return *active, nil
	}
	return s.createRenderJob(ctx, versionID, actor)
}

func (s *Service) createRenderJob(ctx context.Context, versionID, actor string) (store.RenderJob, error) {
	job := store.RenderJob{
		ID:                util.NewID("job"),
		DocumentVersionID: versionID,
		Status:            store.JobQueued,
	}
	err := s.store.InsertRenderJob(ctx, job)
	if errors.Is(err, store.ErrActiveRenderJob) {
		// Lost the race to a concurrent request; hand back the winner.
		active, activeErr := s.store.ActiveRenderJob(ctx, versionID)
		if activeErr != nil {
			return store.RenderJob{}, activeErr
		}
		if active == nil {
			return store.RenderJob{}, fmt.Errorf("active render job vanished for version %s", versionID)
		}
		return *active, nil
	}
	if err != nil {
		return store.RenderJob{}, err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Enqueue(ctx, job.ID); err != nil {
			failErr := s.store.FailRenderJob(ctx, job.ID, nil, nil, CodeNetworkError, "dispatch failed: "+err.Error())
			if failErr != nil {
				return store.RenderJob{}, failErr
			}
			return s.store.GetRenderJob(ctx, job.ID)
		}
	}
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err == nil {
		s.audit(ctx, "render.queued", actor, version.DocumentID, versionID, map[string]any{"jobId": job.ID})
	}
	return s.store.GetRenderJob(ctx, job.ID)
}

func (s *Service) GetRenderJob(ctx context.Context, jobID string) (store.RenderJob, error) {
	return s.store.GetRenderJob(ctx, jobID)
}

// ListRenderLogs returns every attempt for a version, oldest first.
func (s *Service) ListRenderLogs(ctx context.Context, versionID string) ([]store.RenderJob, error) {
	if _, err := s.store.GetDocumentVersion(ctx, versionID); err != nil {
		return nil, err
	}
	return s.store.ListRenderJobs(ctx, versionID)
}

// ExecuteRenderJob is the worker entry point reached through the dispatcher.
// A failure here lands on the job row; it never propagates to the caller who
// queued the job.
func (s *Service) ExecuteRenderJob(ctx context.Context, jobID string) error {
	claimed, err := s.store.MarkRenderJobRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker got it, or the job is already terminal.
		return nil
	}

	job, err := s.store.GetRenderJob(ctx, jobID)
	if err != nil {
		return err
	}
	version, err := s.store.GetDocumentVersion(ctx, job.DocumentVersionID)
	if err != nil {
		return s.store.FailRenderJob(ctx, jobID, nil, nil, CodeNotFound, "version not found: "+err.Error())
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return s.store.FailRenderJob(ctx, jobID, nil, nil, CodeNotFound, "document not found: "+err.Error())
	}

	request := export.Request{
		Title:       document.Title,
		ContentHTML: version.BodyHTML,
		DocumentID:  document.ID,
		VersionSeq:  version.Seq,
	}
	if version.Status == store.VersionSigned && document.Kind == store.KindSoW {
		signers, err := s.store.ListSigners(ctx, version.ID)
		if err != nil {
			return s.store.FailRenderJob(ctx, jobID, nil, nil, CodeNetworkError, "load signers: "+err.Error())
		}
		for _, signer := range signers {
			request.Signatures = append(request.Signatures, export.SignatureLine{
				DisplayName:    signer.DisplayName,
				TypedSignature: signer.TypedSignature,
				RespondedAt:    signer.RespondedAt,
			})
			if signer.RespondedAt != nil && (request.SignedAt == nil || signer.RespondedAt.After(*request.SignedAt)) {
				request.SignedAt = signer.RespondedAt
			}
		}
	}

	renderCtx, cancel := context.WithTimeout(ctx, s.cfg.RenderTimeout)
	defer cancel()
	result, err := s.engine.RenderPDF(renderCtx, request)
	if err != nil {
		code := "render_failed"
		switch {
		case errors.Is(err, export.ErrRenderTimeout), errors.Is(renderCtx.Err(), context.DeadlineExceeded):
			code = CodeTimeout
		case errors.Is(err, export.ErrDependencyMissing):
			code = "missing_integration"
		}
		if failErr := s.store.FailRenderJob(ctx, jobID, result.BlockedURLs, result.MissingImages, code, err.Error()); failErr != nil {
			return failErr
		}
		s.audit(ctx, "render.failed", "worker", document.ID, version.ID, map[string]any{"jobId": jobID, "errorCode": code})
		return nil
	}

	sum := sha256.Sum256(result.PDF)
	pdfSHA256 := hex.EncodeToString(sum[:])
	if err := s.artifacts.Put(ctx, pdfSHA256, result.PDF); err != nil {
		if failErr := s.store.FailRenderJob(ctx, jobID, result.BlockedURLs, result.MissingImages, CodeNetworkError, "store artifact: "+err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}

	if err := s.store.CompleteRenderJob(ctx, jobID, result.BlockedURLs, result.MissingImages, pdfSHA256, int64(len(result.PDF))); err != nil {
		return err
	}
	s.audit(ctx, "render.succeeded", "worker", document.ID, version.ID, map[string]any{
		"jobId":         jobID,
		"pdfSha256":     pdfSHA256,
		"blockedUrls":   len(result.BlockedURLs),
		"missingImages": len(result.MissingImages),
	})
	return nil
}

// VersionPDF returns the latest successfully rendered artifact for a version.
func (s *Service) VersionPDF(ctx context.Context, versionID string) ([]byte, store.RenderJob, error) {
	if _, err := s.store.GetDocumentVersion(ctx, versionID); err != nil {
		return nil, store.RenderJob{}, err
	}
	job, err := s.store.LatestSuccessfulRenderJob(ctx, versionID)
	if err != nil {
		return nil, store.RenderJob{}, err
	}
	if job == nil {
		return nil, store.RenderJob{}, domainError(http.StatusNotFound, CodeNotFound, "no rendered artifact for version", nil)
	}
	pdf, err := s.artifacts.Get(ctx, job.PDFSHA256)
	if err != nil {
		return nil, store.RenderJob{}, err
	}
	return pdf, *job, nil
}
