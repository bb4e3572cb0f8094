package store

import "time"

// Document is the parent of a version chain: a Statement of Work or a report
// run. The wider org/project directory owns everything else about it.
type Document struct {
	ID         string
	OrgID      string
	Kind       DocumentKind
	Title      string
	TemplateID string
	CreatedBy  string
	CreatedAt  time.Time
}

// TemplateVersion is supplied by the template collaborator and never mutated
// here.
type TemplateVersion struct {
	ID         string
	TemplateID string
	Seq        int
	Body       string
	CreatedBy  string
	CreatedAt  time.Time
}

type DocumentVersion struct {
	ID                string
	DocumentID        string
	Seq               int
	TemplateVersionID string
	Variables         map[string]any
	BodyMarkdown      string
	BodyHTML          string
	ContentSHA256     string
	Status            VersionStatus
	LockedAt          *time.Time
	ArchiveCommit     string
	CreatedBy         string
	CreatedAt         time.Time
}

// Locked reports whether the version content is frozen.
func (v DocumentVersion) Locked() bool {
	return v.LockedAt != nil
}

type Signer struct {
	ID                string
	DocumentVersionID string
	SignerID          string
	DisplayName       string
	Status            SignerStatus
	Comment           string
	TypedSignature    string
	RespondedAt       *time.Time
	CreatedAt         time.Time
}

type RenderJob struct {
	ID                string
	DocumentVersionID string
	Status            JobStatus
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	BlockedURLs       []string
	MissingImages     []string
	ErrorCode         string
	ErrorMessage      string
	PDFSHA256         string
	PDFSizeBytes      int64
	PDFRenderedAt     *time.Time
}

// ShareLink stores only a keyed digest of the token; the raw token leaves the
// system exactly once, in the publish response.
type ShareLink struct {
	ID                string
	OrgID             string
	DocumentVersionID string
	TokenDigest       string
	PasswordHash      *string
	ExpiresAt         *time.Time
	RevokedAt         *time.Time
	CreatedBy         string
	CreatedAt         time.Time
	AccessCount       int
	LastAccessAt      *time.Time
}

type ShareLinkAccess struct {
	ID          int64
	ShareLinkID string
	AccessedAt  time.Time
	IP          string
	UserAgent   string
}

type AuditEvent struct {
	ID         int64
	EventType  string
	Actor      string
	DocumentID string
	VersionID  string
	Payload    map[string]any
	CreatedAt  time.Time
}

// VersionSearchHit is a row from the Postgres search fallback.
type VersionSearchHit struct {
	VersionID  string
	DocumentID string
	Title      string
	Seq        int
	Snippet    string
}
