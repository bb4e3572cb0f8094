package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"countersign/api/internal/archive"
	"countersign/api/internal/artifact"
	"countersign/api/internal/config"
	"countersign/api/internal/dispatch"
	"countersign/api/internal/export"
	"countersign/api/internal/render"
	"countersign/api/internal/search"
	"countersign/api/internal/store"
	"countersign/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	InsertTemplateVersion(context.Context, store.TemplateVersion) error
	GetTemplateVersion(context.Context, string) (store.TemplateVersion, error)
	InsertDocumentVersion(context.Context, store.DocumentVersion) (store.DocumentVersion, error)
	GetDocumentVersion(context.Context, string) (store.DocumentVersion, error)
	LatestDocumentVersion(context.Context, string) (store.DocumentVersion, error)
	ListDocumentVersions(context.Context, string) ([]store.DocumentVersion, error)
	LockDocumentVersion(context.Context, string) (bool, error)
	SetVersionArchiveCommit(context.Context, string, string) error
	UpdateVersionStatus(context.Context, string, store.VersionStatus) error
	SearchSignedVersions(context.Context, string, int) ([]store.VersionSearchHit, error)
	InsertSigners(context.Context, []store.Signer) error
	GetSigner(context.Context, string, string) (store.Signer, error)
	ListSigners(context.Context, string) ([]store.Signer, error)
	RecordSignerDecision(context.Context, string, store.SignerStatus, string, string) (bool, error)
	InsertRenderJob(context.Context, store.RenderJob) error
	GetRenderJob(context.Context, string) (store.RenderJob, error)
	ActiveRenderJob(context.Context, string) (*store.RenderJob, error)
	LatestRenderJob(context.Context, string) (*store.RenderJob, error)
	LatestSuccessfulRenderJob(context.Context, string) (*store.RenderJob, error)
	ListRenderJobs(context.Context, string) ([]store.RenderJob, error)
	MarkRenderJobRunning(context.Context, string) (bool, error)
	CompleteRenderJob(context.Context, string, []string, []string, string, int64) error
	FailRenderJob(context.Context, string, []string, []string, string, string) error
	InsertShareLink(context.Context, store.ShareLink) error
	GetShareLink(context.Context, string) (store.ShareLink, error)
	GetShareLinkByDigest(context.Context, string) (store.ShareLink, error)
	RevokeShareLink(context.Context, string) error
	RecordShareAccess(context.Context, string, string, string) (bool, error)
	ListShareAccessLog(context.Context, string, int) ([]store.ShareLinkAccess, error)
	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
}

type archiver interface {
	CommitLockedVersion(string, archive.Snapshot, string, string) (string, error)
	VersionBody(string, int) (string, archive.Snapshot, error)
	History(string, int) ([]archive.CommitInfo, error)
}

type searchService interface {
	Search(context.Context, string, int) ([]store.VersionSearchHit, error)
	IndexSignedVersion(search.Record)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	engine     export.Engine
	archive    archiver
	artifacts  artifact.Store
	dispatcher dispatch.Dispatcher
	search     searchService
}

func New(cfg config.Config, dataStore *store.PostgresStore, engine export.Engine, archiveService *archive.Service, artifacts artifact.Store, searchService *search.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		engine:    engine,
		archive:   archiveService,
		artifacts: artifacts,
		search:    searchService,
	}
}

// SetDispatcher wires the worker dispatch after construction; the dispatcher
// needs the service as its executor, so the two are connected in main.
func (s *Service) SetDispatcher(dispatcher dispatch.Dispatcher) {
	s.dispatcher = dispatcher
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateDocumentInput struct {
	OrgID      string
	Kind       string
	Title      string
	TemplateID string
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput, actor string) (store.Document, error) {
	kind, err := store.ParseDocumentKind(input.Kind)
	if err != nil {
		return store.Document{}, domainError(http.StatusBadRequest, "InvalidKind", err.Error(), nil)
	}
	if strings.TrimSpace(input.Title) == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "InvalidTitle", "title is required", nil)
	}
	if strings.TrimSpace(input.TemplateID) == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "InvalidTemplate", "templateId is required", nil)
	}

	item := store.Document{
		ID:         util.NewID("doc"),
		OrgID:      input.OrgID,
		Kind:       kind,
		Title:      strings.TrimSpace(input.Title),
		TemplateID: input.TemplateID,
		CreatedBy:  actor,
	}
	if err := s.store.InsertDocument(ctx, item); err != nil {
		return store.Document{}, err
	}
	s.audit(ctx, "document.created", actor, item.ID, "", map[string]any{"kind": string(kind)})
	return s.store.GetDocument(ctx, item.ID)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

// RegisterTemplateVersion ingests a template version from the template
// service. Repeated ingestion of the same id is a no-op.
func (s *Service) RegisterTemplateVersion(ctx context.Context, item store.TemplateVersion) (store.TemplateVersion, error) {
	if item.ID == "" {
		item.ID = util.NewID("tv")
	}
	if strings.TrimSpace(item.Body) == "" {
		return store.TemplateVersion{}, domainError(http.StatusBadRequest, "InvalidBody", "template body is required", nil)
	}
	if err := s.store.InsertTemplateVersion(ctx, item); err != nil {
		return store.TemplateVersion{}, err
	}
	return s.store.GetTemplateVersion(ctx, item.ID)
}

// CreateVersion renders a template version against the supplied variables and
// appends the result as the parent's next draft version.
func (s *Service) CreateVersion(ctx context.Context, documentID, templateVersionID string, variables map[string]any, actor string) (store.DocumentVersion, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, domainError(http.StatusNotFound, CodeParentNotFound, "document not found", nil)
	}
	if err != nil {
		return store.DocumentVersion{}, err
	}

	templateVersion, err := s.store.GetTemplateVersion(ctx, templateVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, domainError(http.StatusNotFound, CodeNotFound, "template version not found", nil)
	}
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if templateVersion.TemplateID != document.TemplateID {
		return store.DocumentVersion{}, domainError(http.StatusConflict, CodeTemplateVersionMismatch,
			"template version belongs to a different template", map[string]any{
				"expectedTemplateId": document.TemplateID,
				"actualTemplateId":   templateVersion.TemplateID,
			})
	}

	if variables == nil {
		variables = map[string]any{}
	}
	bodyMarkdown, unresolved := render.BindVariables(templateVersion.Body, variables)
	bodyHTML := render.RenderHTML(bodyMarkdown)
	contentSHA256, err := render.ContentHash(templateVersion.ID, bodyMarkdown, variables)
	if err != nil {
		return store.DocumentVersion{}, err
	}

	version, err := s.store.InsertDocumentVersion(ctx, store.DocumentVersion{
		ID:                util.NewID("ver"),
		DocumentID:        document.ID,
		TemplateVersionID: templateVersion.ID,
		Variables:         variables,
		BodyMarkdown:      bodyMarkdown,
		BodyHTML:          bodyHTML,
		ContentSHA256:     contentSHA256,
		Status:            store.VersionDraft,
		CreatedBy:         actor,
	})
	if err != nil {
		return store.DocumentVersion{}, err
	}

	payload := map[string]any{"seq": version.Seq, "contentSha256": contentSHA256}
	if len(unresolved) > 0 {
		payload["unresolvedVariables"] = unresolved
	}
	s.audit(ctx, "version.created", actor, document.ID, version.ID, payload)
	return version, nil
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	return s.store.GetDocumentVersion(ctx, versionID)
}

func (s *Service) ListVersions(ctx context.Context, documentID string) ([]store.DocumentVersion, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListDocumentVersions(ctx, documentID)
}

// LockVersion freezes a version's content. Calling it on an already locked
// version returns the version unchanged.
func (s *Service) LockVersion(ctx context.Context, versionID, actor string) (store.DocumentVersion, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if version.Locked() {
		return version, nil
	}

	locked, err := s.store.LockDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if locked {
		s.archiveLocked(ctx, version, actor)
		s.audit(ctx, "version.locked", actor, version.DocumentID, version.ID, map[string]any{"seq": version.Seq})
	}
	return s.store.GetDocumentVersion(ctx, versionID)
}

// archiveLocked commits the frozen body to the document's archive repo. The
// archive is best-effort relative to the lock itself: a failed commit leaves
// archive_commit empty and is visible in the audit trail.
func (s *Service) archiveLocked(ctx context.Context, version store.DocumentVersion, actor string) {
	if s.archive == nil {
		return
	}
	commitHash, err := s.archive.CommitLockedVersion(version.DocumentID, archive.Snapshot{
		VersionID:         version.ID,
		Seq:               version.Seq,
		TemplateVersionID: version.TemplateVersionID,
		ContentSHA256:     version.ContentSHA256,
		Variables:         version.Variables,
	}, version.BodyMarkdown, actor)
	if err != nil {
		s.audit(ctx, "version.archive_failed", actor, version.DocumentID, version.ID, map[string]any{"error": err.Error()})
		return
	}
	if err := s.store.SetVersionArchiveCommit(ctx, version.ID, commitHash); err != nil {
		s.audit(ctx, "version.archive_failed", actor, version.DocumentID, version.ID, map[string]any{"error": err.Error()})
	}
}

type SignerInput struct {
	SignerID    string `json:"signerId"`
	DisplayName string `json:"displayName"`
}

// Send locks a draft version and invites the given signers. Duplicate signer
// IDs collapse to one invitation.
func (s *Service) Send(ctx context.Context, versionID string, signerInputs []SignerInput, actor string) (store.DocumentVersion, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if document.Kind != store.KindSoW {
		return store.DocumentVersion{}, domainError(http.StatusConflict, CodeInvalidTransition,
			"only statements of work go through signature", nil)
	}
	if version.Status != store.VersionDraft {
		return store.DocumentVersion{}, domainError(http.StatusConflict, CodeInvalidTransition,
			"version is not a draft", map[string]any{"status": string(version.Status)})
	}

	deduped := dedupeSigners(signerInputs)
	if len(deduped) == 0 {
		return store.DocumentVersion{}, domainError(http.StatusBadRequest, CodeEmptySignerList,
			"at least one signer is required", nil)
	}

	if _, err := s.LockVersion(ctx, versionID, actor); err != nil {
		return store.DocumentVersion{}, err
	}

	signers := make([]store.Signer, 0, len(deduped))
	signerIDs := make([]string, 0, len(deduped))
	for _, input := range deduped {
		signers = append(signers, store.Signer{
			ID:                util.NewID("sgn"),
			DocumentVersionID: versionID,
			SignerID:          input.SignerID,
			DisplayName:       input.DisplayName,
			Status:            store.SignerPending,
		})
		signerIDs = append(signerIDs, input.SignerID)
	}
	if err := s.store.InsertSigners(ctx, signers); err != nil {
		return store.DocumentVersion{}, err
	}
	if err := s.store.UpdateVersionStatus(ctx, versionID, store.VersionPendingSignature); err != nil {
		return store.DocumentVersion{}, err
	}
	s.audit(ctx, "version.sent", actor, version.DocumentID, versionID, map[string]any{"signers": signerIDs})
	return s.store.GetDocumentVersion(ctx, versionID)
}

func dedupeSigners(inputs []SignerInput) []SignerInput {
	seen := map[string]bool{}
	out := make([]SignerInput, 0, len(inputs))
	for _, input := range inputs {
		id := strings.TrimSpace(input.SignerID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		input.SignerID = id
		out = append(out, input)
	}
	return out
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Respond records one signer's decision and folds the signer set into the
// version status: any rejection ends the round as rejected; unanimous
// approval signs it; anything else stays pending.
func (s *Service) Respond(ctx context.Context, versionID, signerID string, decision Decision, comment, typedSignature string) (store.DocumentVersion, error) {
	version, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if version.Status != store.VersionPendingSignature {
		return store.DocumentVersion{}, domainError(http.StatusConflict, CodeInvalidTransition,
			"version is not awaiting signatures", map[string]any{"status": string(version.Status)})
	}

	signer, err := s.store.GetSigner(ctx, versionID, signerID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, domainError(http.StatusNotFound, CodeSignerNotFound,
			"signer was not invited to this version", nil)
	}
	if err != nil {
		return store.DocumentVersion{}, err
	}

	var newStatus store.SignerStatus
	switch decision {
	case DecisionApprove:
		if strings.TrimSpace(typedSignature) == "" {
			return store.DocumentVersion{}, domainError(http.StatusBadRequest, "MissingTypedSignature",
				"approval requires a typed signature", nil)
		}
		newStatus = store.SignerApproved
	case DecisionReject:
		typedSignature = ""
		newStatus = store.SignerRejected
	default:
		return store.DocumentVersion{}, domainError(http.StatusBadRequest, "InvalidDecision",
			"decision must be approve or reject", nil)
	}

	recorded, err := s.store.RecordSignerDecision(ctx, signer.ID, newStatus, comment, typedSignature)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if !recorded {
		return store.DocumentVersion{}, domainError(http.StatusConflict, CodeAlreadyResponded,
			"signer already responded", nil)
	}
	s.audit(ctx, "signer.responded", signerID, version.DocumentID, versionID, map[string]any{"decision": string(decision)})

	folded, err := s.foldSigners(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if folded != version.Status {
		if err := s.store.UpdateVersionStatus(ctx, versionID, folded); err != nil {
			return store.DocumentVersion{}, err
		}
		s.audit(ctx, "version."+string(folded), signerID, version.DocumentID, versionID, nil)
		if folded == store.VersionSigned {
			s.indexSigned(ctx, version)
		}
	}
	return s.store.GetDocumentVersion(ctx, versionID)
}

func (s *Service) foldSigners(ctx context.Context, versionID string) (store.VersionStatus, error) {
	signers, err := s.store.ListSigners(ctx, versionID)
	if err != nil {
		return "", err
	}
	allApproved := true
	for _, signer := range signers {
		switch signer.Status {
		case store.SignerRejected:
			return store.VersionRejected, nil
		case store.SignerApproved:
		default:
			allApproved = false
		}
	}
	if allApproved {
		return store.VersionSigned, nil
	}
	return store.VersionPendingSignature, nil
}

func (s *Service) ListSigners(ctx context.Context, versionID string) ([]store.Signer, error) {
	if _, err := s.store.GetDocumentVersion(ctx, versionID); err != nil {
		return nil, err
	}
	return s.store.ListSigners(ctx, versionID)
}

func (s *Service) indexSigned(ctx context.Context, version store.DocumentVersion) {
	if s.search == nil {
		return
	}
	document, err := s.store.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return
	}
	s.search.IndexSignedVersion(search.Record{
		VersionID:  version.ID,
		DocumentID: version.DocumentID,
		OrgID:      document.OrgID,
		Title:      document.Title,
		Seq:        version.Seq,
		Snippet:    snippet(version.BodyMarkdown, 200),
		Body:       version.BodyMarkdown,
	})
}

func (s *Service) SearchSigned(ctx context.Context, query string, limit int) ([]store.VersionSearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []store.VersionSearchHit{}, nil
	}
	if s.search != nil {
		return s.search.Search(ctx, query, limit)
	}
	return s.store.SearchSignedVersions(ctx, query, limit)
}

func (s *Service) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, documentID, limit)
}

func (s *Service) ArchiveHistory(ctx context.Context, documentID string, limit int) ([]archive.CommitInfo, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.CommitInfo{}, nil
	}
	return s.archive.History(documentID, limit)
}

// audit is fire-and-forget; a failed audit insert never fails the operation
// it describes.
func (s *Service) audit(ctx context.Context, eventType, actor, documentID, versionID string, payload map[string]any) {
	_ = s.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType:  eventType,
		Actor:      actor,
		DocumentID: documentID,
		VersionID:  versionID,
		Payload:    payload,
	})
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return cut
}
