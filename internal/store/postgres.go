package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrActiveRenderJob is returned when an insert collides with the partial
// unique index guarding one active job per version.
var ErrActiveRenderJob = errors.New("active render job exists for version")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

// ---- documents ----

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, org_id, kind, title, template_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.OrgID, item.Kind, item.Title, item.TemplateID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, title, template_id, created_by, created_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.OrgID, &kind, &item.Title, &item.TemplateID, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	if item.Kind, err = ParseDocumentKind(kind); err != nil {
		return Document{}, fmt.Errorf("document %s: %w", documentID, err)
	}
	return item, nil
}

// ---- template versions (read model of the upstream template store) ----

func (s *PostgresStore) GetTemplateVersion(ctx context.Context, templateVersionID string) (TemplateVersion, error) {
	var item TemplateVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, seq, body, created_by, created_at
		FROM template_versions
		WHERE id=$1
	`, templateVersionID).Scan(&item.ID, &item.TemplateID, &item.Seq, &item.Body, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return TemplateVersion{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTemplateVersion(ctx context.Context, item TemplateVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO template_versions (id, template_id, seq, body, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.TemplateID, item.Seq, item.Body, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert template version: %w", err)
	}
	return nil
}

// ---- document versions ----

// InsertDocumentVersion assigns the next sequence number for the parent by
// read-then-insert under the (document_id, seq) unique constraint, retrying
// on collision so concurrent creators never skip or duplicate a number.
func (s *PostgresStore) InsertDocumentVersion(ctx context.Context, item DocumentVersion) (DocumentVersion, error) {
	variables, err := json.Marshal(item.Variables)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("marshal version variables: %w", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		var next int
		if err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM document_versions WHERE document_id=$1
		`, item.DocumentID).Scan(&next); err != nil {
			return DocumentVersion{}, fmt.Errorf("next version seq: %w", err)
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO document_versions
				(id, document_id, seq, template_version_id, variables, body_markdown, body_html, content_sha256, status, created_by)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
		`, item.ID, item.DocumentID, next, item.TemplateVersionID, string(variables),
			item.BodyMarkdown, item.BodyHTML, item.ContentSHA256, item.Status, item.CreatedBy)
		if err == nil {
			return s.GetDocumentVersion(ctx, item.ID)
		}
		if !isUniqueViolation(err) {
			return DocumentVersion{}, fmt.Errorf("insert document version: %w", err)
		}
	}
	return DocumentVersion{}, fmt.Errorf("insert document version: sequence contention on %s", item.DocumentID)
}

const versionColumns = `
	id, document_id, seq, template_version_id, variables::text, body_markdown,
	body_html, content_sha256, status, locked_at, archive_commit, created_by, created_at
`

func (s *PostgresStore) scanVersion(row interface{ Scan(...any) error }) (DocumentVersion, error) {
	var item DocumentVersion
	var variablesRaw, status string
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Seq,
		&item.TemplateVersionID,
		&variablesRaw,
		&item.BodyMarkdown,
		&item.BodyHTML,
		&item.ContentSHA256,
		&status,
		&item.LockedAt,
		&item.ArchiveCommit,
		&item.CreatedBy,
		&item.CreatedAt,
	); err != nil {
		return DocumentVersion{}, err
	}
	if err := json.Unmarshal([]byte(variablesRaw), &item.Variables); err != nil {
		return DocumentVersion{}, fmt.Errorf("decode version variables: %w", err)
	}
	parsed, err := ParseVersionStatus(status)
	if err != nil {
		return DocumentVersion{}, err
	}
	item.Status = parsed
	return item, nil
}

func (s *PostgresStore) GetDocumentVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=$1`, versionID)
	return s.scanVersion(row)
}

func (s *PostgresStore) LatestDocumentVersion(ctx context.Context, documentID string) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id=$1
		ORDER BY seq DESC
		LIMIT 1
	`, documentID)
	return s.scanVersion(row)
}

func (s *PostgresStore) ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1 ORDER BY seq ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		item, err := s.scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document versions: %w", err)
	}
	return items, nil
}

// LockDocumentVersion stamps locked_at if it is still null. It reports
// whether this call performed the lock; false with a nil error means the
// version was already locked.
func (s *PostgresStore) LockDocumentVersion(ctx context.Context, versionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_versions SET locked_at=NOW() WHERE id=$1 AND locked_at IS NULL
	`, versionID)
	if err != nil {
		return false, fmt.Errorf("lock document version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock document version rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetVersionArchiveCommit(ctx context.Context, versionID, commitHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_versions SET archive_commit=$2 WHERE id=$1
	`, versionID, commitHash)
	if err != nil {
		return fmt.Errorf("set version archive commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVersionStatus(ctx context.Context, versionID string, status VersionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_versions SET status=$2 WHERE id=$1
	`, versionID, status)
	if err != nil {
		return fmt.Errorf("update version status: %w", err)
	}
	return nil
}

// SearchSignedVersions is the Postgres fallback used when Meilisearch is not
// configured or unavailable.
func (s *PostgresStore) SearchSignedVersions(ctx context.Context, query string, limit int) ([]VersionSearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.document_id, d.title, v.seq, LEFT(v.body_markdown, 200)
		FROM document_versions v
		JOIN documents d ON d.id = v.document_id
		WHERE v.status='signed'
		  AND (d.title ILIKE '%' || $1 || '%' OR v.body_markdown ILIKE '%' || $1 || '%')
		ORDER BY v.created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search signed versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionSearchHit, 0)
	for rows.Next() {
		var item VersionSearchHit
		if err := rows.Scan(&item.VersionID, &item.DocumentID, &item.Title, &item.Seq, &item.Snippet); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return items, nil
}

// ---- signers ----

func (s *PostgresStore) InsertSigners(ctx context.Context, signers []Signer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin signer tx: %w", err)
	}
	defer tx.Rollback()

	for _, signer := range signers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signers (id, document_version_id, signer_id, display_name, status)
			VALUES ($1, $2, $3, $4, $5)
		`, signer.ID, signer.DocumentVersionID, signer.SignerID, signer.DisplayName, SignerPending); err != nil {
			return fmt.Errorf("insert signer %s: %w", signer.SignerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signers: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanSigner(row interface{ Scan(...any) error }) (Signer, error) {
	var item Signer
	var status string
	if err := row.Scan(
		&item.ID,
		&item.DocumentVersionID,
		&item.SignerID,
		&item.DisplayName,
		&status,
		&item.Comment,
		&item.TypedSignature,
		&item.RespondedAt,
		&item.CreatedAt,
	); err != nil {
		return Signer{}, err
	}
	parsed, err := ParseSignerStatus(status)
	if err != nil {
		return Signer{}, err
	}
	item.Status = parsed
	return item, nil
}

const signerColumns = `
	id, document_version_id, signer_id, display_name, status, comment,
	typed_signature, responded_at, created_at
`

func (s *PostgresStore) GetSigner(ctx context.Context, versionID, signerID string) (Signer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signerColumns+` FROM signers WHERE document_version_id=$1 AND signer_id=$2
	`, versionID, signerID)
	return s.scanSigner(row)
}

func (s *PostgresStore) ListSigners(ctx context.Context, versionID string) ([]Signer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signerColumns+` FROM signers WHERE document_version_id=$1 ORDER BY created_at ASC, signer_id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer rows.Close()

	items := make([]Signer, 0)
	for rows.Next() {
		item, err := s.scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signers: %w", err)
	}
	return items, nil
}

// RecordSignerDecision moves a pending signer to its decided state. It
// reports false when the signer row was not pending, so a double response
// never overwrites the first decision.
func (s *PostgresStore) RecordSignerDecision(ctx context.Context, signerRowID string, status SignerStatus, comment, typedSignature string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE signers
		SET status=$2, comment=$3, typed_signature=$4, responded_at=NOW()
		WHERE id=$1 AND status='pending'
	`, signerRowID, status, comment, typedSignature)
	if err != nil {
		return false, fmt.Errorf("record signer decision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record signer decision rows: %w", err)
	}
	return affected > 0, nil
}

// ---- render jobs ----

// InsertRenderJob inserts a queued job. The partial unique index rejects the
// insert when an active job already exists; that surfaces as
// ErrActiveRenderJob so the coordinator can return the existing job instead.
func (s *PostgresStore) InsertRenderJob(ctx context.Context, item RenderJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO render_jobs (id, document_version_id, status)
		VALUES ($1, $2, $3)
	`, item.ID, item.DocumentVersionID, JobQueued)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveRenderJob
		}
		return fmt.Errorf("insert render job: %w", err)
	}
	return nil
}

const renderJobColumns = `
	id, document_version_id, status, created_at, started_at, completed_at,
	blocked_urls::text, missing_images::text, error_code, error_message,
	pdf_sha256, pdf_size_bytes, pdf_rendered_at
`

func (s *PostgresStore) scanRenderJob(row interface{ Scan(...any) error }) (RenderJob, error) {
	var item RenderJob
	var status, blockedRaw, missingRaw string
	if err := row.Scan(
		&item.ID,
		&item.DocumentVersionID,
		&status,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&blockedRaw,
		&missingRaw,
		&item.ErrorCode,
		&item.ErrorMessage,
		&item.PDFSHA256,
		&item.PDFSizeBytes,
		&item.PDFRenderedAt,
	); err != nil {
		return RenderJob{}, err
	}
	if err := json.Unmarshal([]byte(blockedRaw), &item.BlockedURLs); err != nil {
		return RenderJob{}, fmt.Errorf("decode blocked urls: %w", err)
	}
	if err := json.Unmarshal([]byte(missingRaw), &item.MissingImages); err != nil {
		return RenderJob{}, fmt.Errorf("decode missing images: %w", err)
	}
	parsed, err := ParseJobStatus(status)
	if err != nil {
		return RenderJob{}, err
	}
	item.Status = parsed
	return item, nil
}

func (s *PostgresStore) GetRenderJob(ctx context.Context, jobID string) (RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+renderJobColumns+` FROM render_jobs WHERE id=$1`, jobID)
	return s.scanRenderJob(row)
}

// ActiveRenderJob returns the queued or running job for a version, or nil.
func (s *PostgresStore) ActiveRenderJob(ctx context.Context, versionID string) (*RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE document_version_id=$1 AND status IN ('queued', 'running')
	`, versionID)
	item, err := s.scanRenderJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active render job: %w", err)
	}
	return &item, nil
}

// LatestRenderJob returns the most recent job for a version regardless of
// state, or nil when the version has never been rendered.
func (s *PostgresStore) LatestRenderJob(ctx context.Context, versionID string) (*RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE document_version_id=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, versionID)
	item, err := s.scanRenderJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest render job: %w", err)
	}
	return &item, nil
}

// LatestSuccessfulRenderJob returns the newest success job, or nil.
func (s *PostgresStore) LatestSuccessfulRenderJob(ctx context.Context, versionID string) (*RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE document_version_id=$1 AND status='success'
		ORDER BY completed_at DESC
		LIMIT 1
	`, versionID)
	item, err := s.scanRenderJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest successful render job: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListRenderJobs(ctx context.Context, versionID string) ([]RenderJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE document_version_id=$1
		ORDER BY created_at ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list render jobs: %w", err)
	}
	defer rows.Close()

	items := make([]RenderJob, 0)
	for rows.Next() {
		item, err := s.scanRenderJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan render job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate render jobs: %w", err)
	}
	return items, nil
}

// MarkRenderJobRunning claims a queued job for execution. False means the job
// was not in queued state (already claimed or already terminal).
func (s *PostgresStore) MarkRenderJobRunning(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE render_jobs SET status='running', started_at=NOW() WHERE id=$1 AND status='queued'
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("mark render job running: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark render job running rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CompleteRenderJob(ctx context.Context, jobID string, blockedURLs, missingImages []string, pdfSHA256 string, pdfSizeBytes int64) error {
	blocked, err := marshalStringList(blockedURLs)
	if err != nil {
		return fmt.Errorf("marshal blocked urls: %w", err)
	}
	missing, err := marshalStringList(missingImages)
	if err != nil {
		return fmt.Errorf("marshal missing images: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE render_jobs
		SET status='success', completed_at=NOW(), blocked_urls=$2::jsonb, missing_images=$3::jsonb,
			pdf_sha256=$4, pdf_size_bytes=$5, pdf_rendered_at=NOW()
		WHERE id=$1 AND status='running'
	`, jobID, blocked, missing, pdfSHA256, pdfSizeBytes)
	if err != nil {
		return fmt.Errorf("complete render job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailRenderJob(ctx context.Context, jobID string, blockedURLs, missingImages []string, errorCode, errorMessage string) error {
	blocked, err := marshalStringList(blockedURLs)
	if err != nil {
		return fmt.Errorf("marshal blocked urls: %w", err)
	}
	missing, err := marshalStringList(missingImages)
	if err != nil {
		return fmt.Errorf("marshal missing images: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE render_jobs
		SET status='failed', completed_at=NOW(), blocked_urls=$2::jsonb, missing_images=$3::jsonb,
			error_code=$4, error_message=$5
		WHERE id=$1 AND status IN ('queued', 'running')
	`, jobID, blocked, missing, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("fail render job: %w", err)
	}
	return nil
}

func marshalStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// ---- share links ----

func (s *PostgresStore) InsertShareLink(ctx context.Context, item ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, org_id, document_version_id, token_digest, password_hash, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.OrgID, item.DocumentVersionID, item.TokenDigest, item.PasswordHash, item.ExpiresAt, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

const shareLinkColumns = `
	id, org_id, document_version_id, token_digest, password_hash, expires_at,
	revoked_at, created_by, created_at, access_count, last_access_at
`

func (s *PostgresStore) scanShareLink(row interface{ Scan(...any) error }) (ShareLink, error) {
	var item ShareLink
	err := row.Scan(
		&item.ID,
		&item.OrgID,
		&item.DocumentVersionID,
		&item.TokenDigest,
		&item.PasswordHash,
		&item.ExpiresAt,
		&item.RevokedAt,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.AccessCount,
		&item.LastAccessAt,
	)
	if err != nil {
		return ShareLink{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetShareLink(ctx context.Context, linkID string) (ShareLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id=$1`, linkID)
	return s.scanShareLink(row)
}

func (s *PostgresStore) GetShareLinkByDigest(ctx context.Context, tokenDigest string) (ShareLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE token_digest=$1`, tokenDigest)
	return s.scanShareLink(row)
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET revoked_at=NOW() WHERE id=$1 AND revoked_at IS NULL
	`, linkID)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}

// RecordShareAccess bumps the counter and appends the access row in one
// transaction. The guard re-checks revocation and expiry so a racing revoke
// never produces a counted access, and false means nothing was recorded.
func (s *PostgresStore) RecordShareAccess(ctx context.Context, linkID, ip, userAgent string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin share access tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE share_links
		SET access_count=access_count+1, last_access_at=NOW()
		WHERE id=$1
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, linkID)
	if err != nil {
		return false, fmt.Errorf("count share access: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count share access rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO share_link_access_log (share_link_id, ip, user_agent)
		VALUES ($1, $2, $3)
	`, linkID, ip, userAgent); err != nil {
		return false, fmt.Errorf("insert share access log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit share access: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListShareAccessLog(ctx context.Context, linkID string, limit int) ([]ShareLinkAccess, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, share_link_id, accessed_at, ip, user_agent
		FROM share_link_access_log
		WHERE share_link_id=$1
		ORDER BY accessed_at DESC
		LIMIT $2
	`, linkID, limit)
	if err != nil {
		return nil, fmt.Errorf("list share access log: %w", err)
	}
	defer rows.Close()

	items := make([]ShareLinkAccess, 0)
	for rows.Next() {
		var item ShareLinkAccess
		if err := rows.Scan(&item.ID, &item.ShareLinkID, &item.AccessedAt, &item.IP, &item.UserAgent); err != nil {
			return nil, fmt.Errorf("scan share access: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share access log: %w", err)
	}
	return items, nil
}

// ---- audit events ----

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, entry AuditEvent) error {
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor, document_id, version_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, entry.EventType, entry.Actor, entry.DocumentID, entry.VersionID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor, document_id, version_id, payload, created_at
		FROM audit_events
		WHERE document_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.EventType, &item.Actor, &item.DocumentID, &item.VersionID, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}
