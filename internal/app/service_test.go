package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"countersign/api/internal/archive"
	"countersign/api/internal/artifact"
	"countersign/api/internal/config"
	"countersign/api/internal/export"
	"countersign/api/internal/store"
)

// memStore is an in-memory dataStore with the same semantics the Postgres
// schema enforces: per-document sequence uniqueness, the single-active-job
// guard, and the pending-only signer decision update.
type memStore struct {
	mu        sync.Mutex
	clock     int64
	documents map[string]store.Document
	templates map[string]store.TemplateVersion
	versions  map[string]store.DocumentVersion
	signers   []store.Signer
	jobs      map[string]store.RenderJob
	jobOrder  []string
	links     map[string]store.ShareLink
	accesses  []store.ShareLinkAccess
	audits    []store.AuditEvent

	insertRenderJobFn func(store.RenderJob) error
}

func newMemStore() *memStore {
	return &memStore{
		documents: map[string]store.Document{},
		templates: map[string]store.TemplateVersion{},
		versions:  map[string]store.DocumentVersion{},
		jobs:      map[string]store.RenderJob{},
		links:     map[string]store.ShareLink{},
	}
}

func (m *memStore) now() time.Time {
	m.clock++
	return time.Unix(1700000000+m.clock, 0).UTC()
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) InsertDocument(_ context.Context, item store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = m.now()
	m.documents[item.ID] = item
	return nil
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) InsertTemplateVersion(_ context.Context, item store.TemplateVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[item.ID]; exists {
		return nil
	}
	item.CreatedAt = m.now()
	m.templates[item.ID] = item
	return nil
}

func (m *memStore) GetTemplateVersion(_ context.Context, templateVersionID string) (store.TemplateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.templates[templateVersionID]
	if !ok {
		return store.TemplateVersion{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) InsertDocumentVersion(_ context.Context, item store.DocumentVersion) (store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, existing := range m.versions {
		if existing.DocumentID == item.DocumentID && existing.Seq >= next {
			next = existing.Seq + 1
		}
	}
	item.Seq = next
	item.CreatedAt = m.now()
	m.versions[item.ID] = item
	return item, nil
}

func (m *memStore) GetDocumentVersion(_ context.Context, versionID string) (store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.versions[versionID]
	if !ok {
		return store.DocumentVersion{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) LatestDocumentVersion(_ context.Context, documentID string) (store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest store.DocumentVersion
	found := false
	for _, item := range m.versions {
		if item.DocumentID == documentID && (!found || item.Seq > latest.Seq) {
			latest = item
			found = true
		}
	}
	if !found {
		return store.DocumentVersion{}, sql.ErrNoRows
	}
	return latest, nil
}

func (m *memStore) ListDocumentVersions(_ context.Context, documentID string) ([]store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.DocumentVersion, 0)
	for _, item := range m.versions {
		if item.DocumentID == documentID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (m *memStore) LockDocumentVersion(_ context.Context, versionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.versions[versionID]
	if !ok || item.LockedAt != nil {
		return false, nil
	}
	lockedAt := m.now()
	item.LockedAt = &lockedAt
	m.versions[versionID] = item
	return true, nil
}

func (m *memStore) SetVersionArchiveCommit(_ context.Context, versionID, commitHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.versions[versionID]
	item.ArchiveCommit = commitHash
	m.versions[versionID] = item
	return nil
}

func (m *memStore) UpdateVersionStatus(_ context.Context, versionID string, status store.VersionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.versions[versionID]
	item.Status = status
	m.versions[versionID] = item
	return nil
}

func (m *memStore) SearchSignedVersions(_ context.Context, query string, limit int) ([]store.VersionSearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits := make([]store.VersionSearchHit, 0)
	for _, item := range m.versions {
		if item.Status != store.VersionSigned {
			continue
		}
		document := m.documents[item.DocumentID]
		hits = append(hits, store.VersionSearchHit{
			VersionID:  item.ID,
			DocumentID: item.DocumentID,
			Title:      document.Title,
			Seq:        item.Seq,
		})
	}
	return hits, nil
}

func (m *memStore) InsertSigners(_ context.Context, signers []store.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, signer := range signers {
		signer.CreatedAt = m.now()
		m.signers = append(m.signers, signer)
	}
	return nil
}

func (m *memStore) GetSigner(_ context.Context, versionID, signerID string) (store.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, signer := range m.signers {
		if signer.DocumentVersionID == versionID && signer.SignerID == signerID {
			return signer, nil
		}
	}
	return store.Signer{}, sql.ErrNoRows
}

func (m *memStore) ListSigners(_ context.Context, versionID string) ([]store.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Signer, 0)
	for _, signer := range m.signers {
		if signer.DocumentVersionID == versionID {
			items = append(items, signer)
		}
	}
	return items, nil
}

func (m *memStore) RecordSignerDecision(_ context.Context, signerRowID string, status store.SignerStatus, comment, typedSignature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, signer := range m.signers {
		if signer.ID != signerRowID {
			continue
		}
		if signer.Status != store.SignerPending {
			return false, nil
		}
		respondedAt := m.now()
		m.signers[i].Status = status
		m.signers[i].Comment = comment
		m.signers[i].TypedSignature = typedSignature
		m.signers[i].RespondedAt = &respondedAt
		return true, nil
	}
	return false, nil
}

func (m *memStore) InsertRenderJob(_ context.Context, item store.RenderJob) error {
	// The hook runs unlocked so a test can seed a competing row from inside it.
	if fn := m.insertRenderJobFn; fn != nil {
		if err := fn(item); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.DocumentVersionID == item.DocumentVersionID && !existing.Status.Terminal() {
			return store.ErrActiveRenderJob
		}
	}
	item.Status = store.JobQueued
	item.CreatedAt = m.now()
	if item.BlockedURLs == nil {
		item.BlockedURLs = []string{}
	}
	if item.MissingImages == nil {
		item.MissingImages = []string{}
	}
	m.jobs[item.ID] = item
	m.jobOrder = append(m.jobOrder, item.ID)
	return nil
}

func (m *memStore) GetRenderJob(_ context.Context, jobID string) (store.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.jobs[jobID]
	if !ok {
		return store.RenderJob{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) ActiveRenderJob(_ context.Context, versionID string) (*store.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.jobs {
		if item.DocumentVersionID == versionID && !item.Status.Terminal() {
			job := item
			return &job, nil
		}
	}
	return nil, nil
}

func (m *memStore) LatestRenderJob(_ context.Context, versionID string) (*store.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		item := m.jobs[m.jobOrder[i]]
		if item.DocumentVersionID == versionID {
			job := item
			return &job, nil
		}
	}
	return nil, nil
}

func (m *memStore) LatestSuccessfulRenderJob(_ context.Context, versionID string) (*store.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		item := m.jobs[m.jobOrder[i]]
		if item.DocumentVersionID == versionID && item.Status == store.JobSuccess {
			job := item
			return &job, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListRenderJobs(_ context.Context, versionID string) ([]store.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.RenderJob, 0)
	for _, jobID := range m.jobOrder {
		item := m.jobs[jobID]
		if item.DocumentVersionID == versionID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *memStore) MarkRenderJobRunning(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.jobs[jobID]
	if !ok || item.Status != store.JobQueued {
		return false, nil
	}
	startedAt := m.now()
	item.Status = store.JobRunning
	item.StartedAt = &startedAt
	m.jobs[jobID] = item
	return true, nil
}

func (m *memStore) CompleteRenderJob(_ context.Context, jobID string, blockedURLs, missingImages []string, pdfSHA256 string, pdfSizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.jobs[jobID]
	if item.Status != store.JobRunning {
		return nil
	}
	completedAt := m.now()
	item.Status = store.JobSuccess
	item.CompletedAt = &completedAt
	item.BlockedURLs = orEmpty(blockedURLs)
	item.MissingImages = orEmpty(missingImages)
	item.PDFSHA256 = pdfSHA256
	item.PDFSizeBytes = pdfSizeBytes
	item.PDFRenderedAt = &completedAt
	m.jobs[jobID] = item
	return nil
}

func (m *memStore) FailRenderJob(_ context.Context, jobID string, blockedURLs, missingImages []string, errorCode, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.jobs[jobID]
	if item.Status.Terminal() {
		return nil
	}
	completedAt := m.now()
	item.Status = store.JobFailed
	item.CompletedAt = &completedAt
	item.BlockedURLs = orEmpty(blockedURLs)
	item.MissingImages = orEmpty(missingImages)
	item.ErrorCode = errorCode
	item.ErrorMessage = errorMessage
	m.jobs[jobID] = item
	return nil
}

func (m *memStore) InsertShareLink(_ context.Context, item store.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = m.now()
	m.links[item.ID] = item
	return nil
}

func (m *memStore) GetShareLink(_ context.Context, linkID string) (store.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.links[linkID]
	if !ok {
		return store.ShareLink{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) GetShareLinkByDigest(_ context.Context, tokenDigest string) (store.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.links {
		if item.TokenDigest == tokenDigest {
			return item, nil
		}
	}
	return store.ShareLink{}, sql.ErrNoRows
}

func (m *memStore) RevokeShareLink(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.links[linkID]
	if item.RevokedAt == nil {
		revokedAt := m.now()
		item.RevokedAt = &revokedAt
		m.links[linkID] = item
	}
	return nil
}

func (m *memStore) RecordShareAccess(_ context.Context, linkID, ip, userAgent string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.links[linkID]
	if !ok || item.RevokedAt != nil {
		return false, nil
	}
	accessedAt := m.now()
	if item.ExpiresAt != nil && !item.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	item.AccessCount++
	item.LastAccessAt = &accessedAt
	m.links[linkID] = item
	m.accesses = append(m.accesses, store.ShareLinkAccess{
		ShareLinkID: linkID,
		AccessedAt:  accessedAt,
		IP:          ip,
		UserAgent:   userAgent,
	})
	return true, nil
}

func (m *memStore) ListShareAccessLog(_ context.Context, linkID string, limit int) ([]store.ShareLinkAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.ShareLinkAccess, 0)
	for i := len(m.accesses) - 1; i >= 0; i-- {
		if m.accesses[i].ShareLinkID == linkID {
			items = append(items, m.accesses[i])
		}
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, entry store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = m.now()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) ListAuditEvents(_ context.Context, documentID string, limit int) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.AuditEvent, 0)
	for i := len(m.audits) - 1; i >= 0; i-- {
		if m.audits[i].DocumentID == documentID {
			items = append(items, m.audits[i])
		}
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// fakeEngine returns canned PDF bytes and QA findings.
type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	result  export.Result
	err     error
	lastReq export.Request
}

func (e *fakeEngine) RenderPDF(_ context.Context, req export.Request) (export.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastReq = req
	if e.err != nil {
		return e.result, e.err
	}
	result := e.result
	if result.PDF == nil {
		result.PDF = []byte("%PDF-1.7 fake")
	}
	return result, nil
}

func testConfig() config.Config {
	return config.Config{
		ShareBaseURL:     "https://sign.example.com",
		ShareTokenSecret: "test-secret",
		RenderTimeout:    5 * time.Second,
	}
}

type testEnv struct {
	service *Service
	store   *memStore
	engine  *fakeEngine
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	memory := newMemStore()
	engine := &fakeEngine{}
	service := &Service{
		cfg:       testConfig(),
		store:     memory,
		engine:    engine,
		archive:   archive.New(t.TempDir()),
		artifacts: artifact.NewMemoryStore(),
	}
	return testEnv{service: service, store: memory, engine: engine}
}

func (e testEnv) seedSoW(t *testing.T, templateBody string, variables map[string]any) (store.Document, store.DocumentVersion) {
	t.Helper()
	return e.seedDocument(t, "sow", templateBody, variables)
}

func (e testEnv) seedDocument(t *testing.T, kind, templateBody string, variables map[string]any) (store.Document, store.DocumentVersion) {
	t.Helper()
	ctx := context.Background()
	document, err := e.service.CreateDocument(ctx, CreateDocumentInput{
		OrgID:      "org-1",
		Kind:       kind,
		Title:      "Acme Engagement",
		TemplateID: "tpl-1",
	}, "dana")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	templateVersion, err := e.service.RegisterTemplateVersion(ctx, store.TemplateVersion{
		ID:         "tv-1",
		TemplateID: "tpl-1",
		Seq:        1,
		Body:       templateBody,
	})
	if err != nil {
		t.Fatalf("register template version: %v", err)
	}
	version, err := e.service.CreateVersion(ctx, document.ID, templateVersion.ID, variables, "dana")
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return document, version
}

func TestCreateVersionRendersAndHashes(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# SOW for {{client}}\n\nBudget: {{budget}}", map[string]any{
		"client": "Acme",
		"budget": float64(50000),
	})

	if version.Seq != 1 {
		t.Fatalf("seq = %d, want 1", version.Seq)
	}
	if version.Status != store.VersionDraft {
		t.Fatalf("status = %s, want draft", version.Status)
	}
	if !containsString(version.BodyMarkdown, "SOW for Acme") {
		t.Fatalf("variables not bound: %q", version.BodyMarkdown)
	}
	if !containsString(version.BodyHTML, "<h1>SOW for Acme</h1>") {
		t.Fatalf("html not rendered: %q", version.BodyHTML)
	}
	if len(version.ContentSHA256) != 64 {
		t.Fatalf("content hash = %q", version.ContentSHA256)
	}
}

func TestCreateVersionSequenceIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	document, _ := env.seedSoW(t, "body {{x}}", map[string]any{"x": "1"})

	ctx := context.Background()
	for want := 2; want <= 4; want++ {
		version, err := env.service.CreateVersion(ctx, document.ID, "tv-1", map[string]any{"x": "next"}, "dana")
		if err != nil {
			t.Fatalf("create version %d: %v", want, err)
		}
		if version.Seq != want {
			t.Fatalf("seq = %d, want %d", version.Seq, want)
		}
	}
}

func TestCreateVersionRejectsForeignTemplateVersion(t *testing.T) {
	env := newTestEnv(t)
	document, _ := env.seedSoW(t, "body", nil)

	ctx := context.Background()
	if _, err := env.service.RegisterTemplateVersion(ctx, store.TemplateVersion{
		ID: "tv-other", TemplateID: "tpl-other", Seq: 1, Body: "other",
	}); err != nil {
		t.Fatalf("register template version: %v", err)
	}

	_, err := env.service.CreateVersion(ctx, document.ID, "tv-other", nil, "dana")
	assertDomainCode(t, err, CodeTemplateVersionMismatch)
}

func TestCreateVersionUnknownParent(t *testing.T) {
	env := newTestEnv(t)
	env.seedSoW(t, "body", nil)

	_, err := env.service.CreateVersion(context.Background(), "doc-missing", "tv-1", nil, "dana")
	assertDomainCode(t, err, CodeParentNotFound)
}

func TestLockVersionIsIdempotentAndArchives(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)

	ctx := context.Background()
	locked, err := env.service.LockVersion(ctx, version.ID, "dana")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.Locked() {
		t.Fatalf("version not locked")
	}
	if locked.ArchiveCommit == "" {
		t.Fatalf("archive commit not recorded")
	}

	again, err := env.service.LockVersion(ctx, version.ID, "dana")
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if !again.LockedAt.Equal(*locked.LockedAt) {
		t.Fatalf("second lock changed locked_at: %v vs %v", again.LockedAt, locked.LockedAt)
	}
	if again.ArchiveCommit != locked.ArchiveCommit {
		t.Fatalf("second lock changed archive commit")
	}
}

func TestSendLocksAndInvitesDedupedSigners(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)

	ctx := context.Background()
	sent, err := env.service.Send(ctx, version.ID, []SignerInput{
		{SignerID: "alice", DisplayName: "Alice"},
		{SignerID: "bob", DisplayName: "Bob"},
		{SignerID: "alice", DisplayName: "Alice Again"},
		{SignerID: "  "},
	}, "dana")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != store.VersionPendingSignature {
		t.Fatalf("status = %s", sent.Status)
	}
	if !sent.Locked() {
		t.Fatalf("send did not lock the version")
	}

	signers, err := env.service.ListSigners(ctx, version.ID)
	if err != nil {
		t.Fatalf("list signers: %v", err)
	}
	if len(signers) != 2 {
		t.Fatalf("signers = %d, want 2 after dedupe", len(signers))
	}
}

func TestSendRequiresDraftAndSigners(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)
	ctx := context.Background()

	_, err := env.service.Send(ctx, version.ID, nil, "dana")
	assertDomainCode(t, err, CodeEmptySignerList)

	if _, err := env.service.Send(ctx, version.ID, []SignerInput{{SignerID: "alice"}}, "dana"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = env.service.Send(ctx, version.ID, []SignerInput{{SignerID: "bob"}}, "dana")
	assertDomainCode(t, err, CodeInvalidTransition)
}

func TestSendRejectedForReportRuns(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedDocument(t, "report_run", "# Report", nil)

	_, err := env.service.Send(context.Background(), version.ID, []SignerInput{{SignerID: "alice"}}, "dana")
	assertDomainCode(t, err, CodeInvalidTransition)
}

func TestUnanimousApprovalSigns(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)
	ctx := context.Background()

	if _, err := env.service.Send(ctx, version.ID, []SignerInput{{SignerID: "alice"}, {SignerID: "bob"}}, "dana"); err != nil {
		t.Fatalf("send: %v", err)
	}

	mid, err := env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "Alice A.")
	if err != nil {
		t.Fatalf("respond alice: %v", err)
	}
	if mid.Status != store.VersionPendingSignature {
		t.Fatalf("status after one approval = %s", mid.Status)
	}

	final, err := env.service.Respond(ctx, version.ID, "bob", DecisionApprove, "looks good", "Bob B.")
	if err != nil {
		t.Fatalf("respond bob: %v", err)
	}
	if final.Status != store.VersionSigned {
		t.Fatalf("status after unanimous approval = %s", final.Status)
	}
}

func TestFirstRejectionWins(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)
	ctx := context.Background()

	if _, err := env.service.Send(ctx, version.ID, []SignerInput{{SignerID: "alice"}, {SignerID: "bob"}, {SignerID: "carol"}}, "dana"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "Alice A."); err != nil {
		t.Fatalf("respond alice: %v", err)
	}

	rejected, err := env.service.Respond(ctx, version.ID, "bob", DecisionReject, "scope too broad", "")
	if err != nil {
		t.Fatalf("respond bob: %v", err)
	}
	if rejected.Status != store.VersionRejected {
		t.Fatalf("status = %s, want rejected immediately", rejected.Status)
	}

	// Terminal: the remaining signer can no longer respond.
	_, err = env.service.Respond(ctx, version.ID, "carol", DecisionApprove, "", "Carol C.")
	assertDomainCode(t, err, CodeInvalidTransition)

	// A rejected version never reaches the renderer.
	_, err = env.service.RequestRender(ctx, version.ID, "dana")
	assertDomainCode(t, err, CodeVersionNotApproved)
}

func TestRespondGuards(t *testing.T) {
	env := newTestEnv(t)
	_, version := env.seedSoW(t, "# Body", nil)
	ctx := context.Background()

	_, err := env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "A")
	assertDomainCode(t, err, CodeInvalidTransition)

	if _, err := env.service.Send(ctx, version.ID, []SignerInput{{SignerID: "alice"}, {SignerID: "bob"}}, "dana"); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, err = env.service.Respond(ctx, version.ID, "mallory", DecisionApprove, "", "M")
	assertDomainCode(t, err, CodeSignerNotFound)

	_, err = env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "")
	assertDomainCode(t, err, "MissingTypedSignature")

	if _, err := env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "Alice A."); err != nil {
		t.Fatalf("respond: %v", err)
	}
	_, err = env.service.Respond(ctx, version.ID, "alice", DecisionApprove, "", "Alice A.")
	assertDomainCode(t, err, CodeAlreadyResponded)
}

func containsString(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("error code = %s, want %s", domainErr.Code, code)
	}
}
