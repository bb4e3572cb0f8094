package store

import "fmt"

// Status fields are closed sets. Values are parsed on the way in and scanned
// through Parse* on the way out, so an unknown status never reaches a row.

type DocumentKind string

const (
	KindSoW       DocumentKind = "sow"
	KindReportRun DocumentKind = "report_run"
)

func ParseDocumentKind(raw string) (DocumentKind, error) {
	switch DocumentKind(raw) {
	case KindSoW, KindReportRun:
		return DocumentKind(raw), nil
	}
	return "", fmt.Errorf("unknown document kind %q", raw)
}

type VersionStatus string

const (
	VersionDraft            VersionStatus = "draft"
	VersionPendingSignature VersionStatus = "pending_signature"
	VersionSigned           VersionStatus = "signed"
	VersionRejected         VersionStatus = "rejected"
)

// Terminal reports whether no further signer activity can change the status.
func (s VersionStatus) Terminal() bool {
	return s == VersionSigned || s == VersionRejected
}

func ParseVersionStatus(raw string) (VersionStatus, error) {
	switch VersionStatus(raw) {
	case VersionDraft, VersionPendingSignature, VersionSigned, VersionRejected:
		return VersionStatus(raw), nil
	}
	return "", fmt.Errorf("unknown version status %q", raw)
}

type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerApproved SignerStatus = "approved"
	SignerRejected SignerStatus = "rejected"
)

func ParseSignerStatus(raw string) (SignerStatus, error) {
	switch SignerStatus(raw) {
	case SignerPending, SignerApproved, SignerRejected:
		return SignerStatus(raw), nil
	}
	return "", fmt.Errorf("unknown signer status %q", raw)
}

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(raw) {
	case JobQueued, JobRunning, JobSuccess, JobFailed:
		return JobStatus(raw), nil
	}
	return "", fmt.Errorf("unknown render job status %q", raw)
}
