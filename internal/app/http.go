package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"countersign/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{"database": map[string]any{"status": "ok"}}
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": statusCode == http.StatusOK, "checks": checks})
		return
	}

	parts := splitPath(r.URL.Path)

	// Public artifact fetch; the only unauthenticated surface.
	if len(parts) == 2 && parts[0] == "share" && r.Method == http.MethodGet {
		s.handleShareAccess(w, r, parts[1])
		return
	}

	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 1 && parts[0] == "documents" && r.Method == http.MethodPost:
		s.handleCreateDocument(w, r)
	case len(parts) == 2 && parts[0] == "documents" && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "versions" && r.Method == http.MethodPost:
		s.handleCreateVersion(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "audit-events" && r.Method == http.MethodGet:
		s.handleListAuditEvents(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "archive" && r.Method == http.MethodGet:
		s.handleArchiveHistory(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "template-versions" && r.Method == http.MethodPost:
		s.handleRegisterTemplateVersion(w, r)

	case len(parts) == 2 && parts[0] == "versions" && r.Method == http.MethodGet:
		s.handleGetVersion(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "lock" && r.Method == http.MethodPost:
		s.handleLockVersion(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "send" && r.Method == http.MethodPost:
		s.handleSend(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "respond" && r.Method == http.MethodPost:
		s.handleRespond(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "signers" && r.Method == http.MethodGet:
		s.handleListSigners(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "render" && r.Method == http.MethodPost:
		s.handleRequestRender(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "regenerate" && r.Method == http.MethodPost:
		s.handleRegenerate(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "render-logs" && r.Method == http.MethodGet:
		s.handleListRenderLogs(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "pdf" && r.Method == http.MethodGet:
		s.handleVersionPDF(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "versions" && parts[2] == "share-links" && r.Method == http.MethodPost:
		s.handlePublish(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "render-jobs" && r.Method == http.MethodGet:
		s.handleGetRenderJob(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "share-links" && r.Method == http.MethodGet:
		s.handleGetShareLink(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "share-links" && parts[2] == "revoke" && r.Method == http.MethodPost:
		s.handleRevoke(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "share-links" && parts[2] == "access-logs" && r.Method == http.MethodGet:
		s.handleListAccessLogs(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrgID      string `json:"orgId"`
		Kind       string `json:"kind"`
		Title      string `json:"title"`
		TemplateID string `json:"templateId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	document, err := s.service.CreateDocument(r.Context(), CreateDocumentInput{
		OrgID:      body.OrgID,
		Kind:       body.Kind,
		Title:      body.Title,
		TemplateID: body.TemplateID,
	}, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentJSON(document))
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	document, err := s.service.GetDocument(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentJSON(document))
}

func (s *HTTPServer) handleRegisterTemplateVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID         string `json:"id"`
		TemplateID string `json:"templateId"`
		Seq        int    `json:"seq"`
		Body       string `json:"body"`
		CreatedBy  string `json:"createdBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	templateVersion, err := s.service.RegisterTemplateVersion(r.Context(), store.TemplateVersion{
		ID:         body.ID,
		TemplateID: body.TemplateID,
		Seq:        body.Seq,
		Body:       body.Body,
		CreatedBy:  body.CreatedBy,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         templateVersion.ID,
		"templateId": templateVersion.TemplateID,
		"seq":        templateVersion.Seq,
		"createdAt":  templateVersion.CreatedAt,
	})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, documentID string) {
	var body struct {
		TemplateVersionID string         `json:"templateVersionId"`
		Variables         map[string]any `json:"variables"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.CreateVersion(r.Context(), documentID, body.TemplateVersionID, body.Variables, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionJSON(version))
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, documentID string) {
	versions, err := s.service.ListVersions(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionJSON(version))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": items})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, versionID string) {
	version, err := s.service.GetVersion(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionJSON(version))
}

func (s *HTTPServer) handleLockVersion(w http.ResponseWriter, r *http.Request, versionID string) {
	version, err := s.service.LockVersion(r.Context(), versionID, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionJSON(version))
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request, versionID string) {
	var body struct {
		Signers []SignerInput `json:"signers"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.Send(r.Context(), versionID, body.Signers, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionJSON(version))
}

func (s *HTTPServer) handleRespond(w http.ResponseWriter, r *http.Request, versionID string) {
	var body struct {
		SignerID       string `json:"signerId"`
		Decision       string `json:"decision"`
		Comment        string `json:"comment"`
		TypedSignature string `json:"typedSignature"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.Respond(r.Context(), versionID, body.SignerID, Decision(body.Decision), body.Comment, body.TypedSignature)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionJSON(version))
}

func (s *HTTPServer) handleListSigners(w http.ResponseWriter, r *http.Request, versionID string) {
	signers, err := s.service.ListSigners(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(signers))
	for _, signer := range signers {
		items = append(items, signerJSON(signer))
	}
	writeJSON(w, http.StatusOK, map[string]any{"signers": items})
}

func (s *HTTPServer) handleRequestRender(w http.ResponseWriter, r *http.Request, versionID string) {
	job, err := s.service.RequestRender(r.Context(), versionID, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderJobJSON(job))
}

func (s *HTTPServer) handleRegenerate(w http.ResponseWriter, r *http.Request, versionID string) {
	job, err := s.service.Regenerate(r.Context(), versionID, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderJobJSON(job))
}

func (s *HTTPServer) handleListRenderLogs(w http.ResponseWriter, r *http.Request, versionID string) {
	jobs, err := s.service.ListRenderLogs(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, renderJobJSON(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (s *HTTPServer) handleGetRenderJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.service.GetRenderJob(r.Context(), jobID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderJobJSON(job))
}

func (s *HTTPServer) handleVersionPDF(w http.ResponseWriter, r *http.Request, versionID string) {
	pdf, job, err := s.service.VersionPDF(r.Context(), versionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	servePDF(w, pdf, job.PDFSHA256)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, versionID string) {
	var body struct {
		ExpiresAt *time.Time `json:"expiresAt"`
		Password  string     `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	published, err := s.service.Publish(r.Context(), versionID, body.ExpiresAt, body.Password, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := shareLinkJSON(published.Link)
	payload["shareUrl"] = published.ShareURL
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleGetShareLink(w http.ResponseWriter, r *http.Request, linkID string) {
	link, err := s.service.GetShareLink(r.Context(), linkID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareLinkJSON(link))
}

func (s *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request, linkID string) {
	link, err := s.service.Revoke(r.Context(), linkID, actor(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareLinkJSON(link))
}

func (s *HTTPServer) handleListAccessLogs(w http.ResponseWriter, r *http.Request, linkID string) {
	entries, err := s.service.ListAccessLogs(r.Context(), linkID, queryLimit(r, 100))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"accessedAt": entry.AccessedAt,
			"ip":         entry.IP,
			"userAgent":  entry.UserAgent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessLogs": items})
}

func (s *HTTPServer) handleShareAccess(w http.ResponseWriter, r *http.Request, rawToken string) {
	pdf, _, err := s.service.ResolveAccess(r.Context(), rawToken, r.Header.Get("X-Share-Password"), clientIP(r), r.UserAgent())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	servePDF(w, pdf, "")
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	hits, err := s.service.SearchSigned(r.Context(), r.URL.Query().Get("q"), queryLimit(r, 20))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		items = append(items, map[string]any{
			"versionId":  hit.VersionID,
			"documentId": hit.DocumentID,
			"title":      hit.Title,
			"seq":        hit.Seq,
			"snippet":    hit.Snippet,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *HTTPServer) handleArchiveHistory(w http.ResponseWriter, r *http.Request, documentID string) {
	commits, err := s.service.ArchiveHistory(r.Context(), documentID, queryLimit(r, 50))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

func (s *HTTPServer) handleListAuditEvents(w http.ResponseWriter, r *http.Request, documentID string) {
	events, err := s.service.ListAuditEvents(r.Context(), documentID, queryLimit(r, 50))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"eventType": event.EventType,
			"actor":     event.Actor,
			"versionId": event.VersionID,
			"payload":   event.Payload,
			"createdAt": event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

// ---- response shaping ----

func documentJSON(document store.Document) map[string]any {
	return map[string]any{
		"id":         document.ID,
		"orgId":      document.OrgID,
		"kind":       string(document.Kind),
		"title":      document.Title,
		"templateId": document.TemplateID,
		"createdBy":  document.CreatedBy,
		"createdAt":  document.CreatedAt,
	}
}

func versionJSON(version store.DocumentVersion) map[string]any {
	return map[string]any{
		"id":                version.ID,
		"documentId":        version.DocumentID,
		"seq":               version.Seq,
		"templateVersionId": version.TemplateVersionID,
		"variables":         version.Variables,
		"bodyMarkdown":      version.BodyMarkdown,
		"bodyHtml":          version.BodyHTML,
		"contentSha256":     version.ContentSHA256,
		"status":            string(version.Status),
		"lockedAt":          version.LockedAt,
		"archiveCommit":     version.ArchiveCommit,
		"createdBy":         version.CreatedBy,
		"createdAt":         version.CreatedAt,
	}
}

func signerJSON(signer store.Signer) map[string]any {
	return map[string]any{
		"signerId":       signer.SignerID,
		"displayName":    signer.DisplayName,
		"status":         string(signer.Status),
		"comment":        signer.Comment,
		"typedSignature": signer.TypedSignature,
		"respondedAt":    signer.RespondedAt,
		"createdAt":      signer.CreatedAt,
	}
}

func renderJobJSON(job store.RenderJob) map[string]any {
	return map[string]any{
		"id":                job.ID,
		"documentVersionId": job.DocumentVersionID,
		"status":            string(job.Status),
		"createdAt":         job.CreatedAt,
		"startedAt":         job.StartedAt,
		"completedAt":       job.CompletedAt,
		"blockedUrls":       job.BlockedURLs,
		"missingImages":     job.MissingImages,
		"errorCode":         job.ErrorCode,
		"errorMessage":      job.ErrorMessage,
		"pdfSha256":         job.PDFSHA256,
		"pdfSizeBytes":      job.PDFSizeBytes,
		"pdfRenderedAt":     job.PDFRenderedAt,
	}
}

func shareLinkJSON(link store.ShareLink) map[string]any {
	return map[string]any{
		"id":                link.ID,
		"documentVersionId": link.DocumentVersionID,
		"expiresAt":         link.ExpiresAt,
		"revokedAt":         link.RevokedAt,
		"passwordProtected": link.PasswordHash != nil,
		"createdBy":         link.CreatedBy,
		"createdAt":         link.CreatedAt,
		"accessCount":       link.AccessCount,
		"lastAccessAt":      link.LastAccessAt,
	}
}

// ---- middleware and helpers ----

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Actor, X-Share-Password")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "55000" {
		// Locked-content and append-only triggers raise this state.
		return http.StatusConflict, CodeAlreadyLocked, pgErr.Message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func servePDF(w http.ResponseWriter, pdf []byte, sha string) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	if sha != "" {
		w.Header().Set("X-Content-SHA256", sha)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func actor(r *http.Request) string {
	if value := strings.TrimSpace(r.Header.Get("X-Actor")); value != "" {
		return value
	}
	return "system"
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
