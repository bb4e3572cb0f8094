package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	server := httptest.NewServer(NewHTTPServer(env.service, "*").Handler())
	t.Cleanup(server.Close)
	return env, server
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "dana")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, payload
}

func TestHealthAndReady(t *testing.T) {
	_, server := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", nil)
	if status != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", status, payload)
	}

	status, payload = doJSON(t, http.MethodGet, server.URL+"/api/ready", nil)
	if status != http.StatusOK || payload["ok"] != true {
		t.Fatalf("ready = %d %v", status, payload)
	}
}

// Walks the whole pipeline over the wire: document, template version, draft,
// send, unanimous approval, render, publish, public fetch, revoke.
func TestPipelineOverHTTP(t *testing.T) {
	env, server := newTestServer(t)

	status, document := doJSON(t, http.MethodPost, server.URL+"/api/documents", map[string]any{
		"orgId":      "org-1",
		"kind":       "sow",
		"title":      "Rollout SoW",
		"templateId": "tpl-1",
	})
	if status != http.StatusCreated {
		t.Fatalf("create document = %d %v", status, document)
	}
	documentID := document["id"].(string)

	status, _ = doJSON(t, http.MethodPost, server.URL+"/api/template-versions", map[string]any{
		"id":         "tv-1",
		"templateId": "tpl-1",
		"seq":        1,
		"body":       "# {{title}}\n\nPrepared for {{client}}.",
		"createdBy":  "dana",
	})
	if status != http.StatusCreated {
		t.Fatalf("register template version = %d", status)
	}

	status, version := doJSON(t, http.MethodPost, server.URL+"/api/documents/"+documentID+"/versions", map[string]any{
		"templateVersionId": "tv-1",
		"variables":         map[string]any{"title": "Rollout", "client": "Acme"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create version = %d %v", status, version)
	}
	versionID := version["id"].(string)
	if version["status"] != "draft" || version["seq"] != float64(1) {
		t.Fatalf("fresh version = %v", version)
	}
	if !strings.Contains(version["bodyHtml"].(string), "<h1>Rollout</h1>") {
		t.Fatalf("body not rendered: %v", version["bodyHtml"])
	}

	status, version = doJSON(t, http.MethodPost, server.URL+"/api/versions/"+versionID+"/send", map[string]any{
		"signers": []map[string]any{
			{"signerId": "alice", "displayName": "Alice"},
			{"signerId": "bob", "displayName": "Bob"},
		},
	})
	if status != http.StatusOK || version["status"] != "pending_signature" {
		t.Fatalf("send = %d %v", status, version)
	}
	if version["lockedAt"] == nil {
		t.Fatalf("send did not lock the version")
	}

	for _, signer := range []string{"alice", "bob"} {
		status, version = doJSON(t, http.MethodPost, server.URL+"/api/versions/"+versionID+"/respond", map[string]any{
			"signerId":       signer,
			"decision":       "approve",
			"typedSignature": strings.ToUpper(signer),
		})
		if status != http.StatusOK {
			t.Fatalf("respond %s = %d %v", signer, status, version)
		}
	}
	if version["status"] != "signed" {
		t.Fatalf("after approvals status = %v", version["status"])
	}

	status, job := doJSON(t, http.MethodPost, server.URL+"/api/versions/"+versionID+"/render", nil)
	if status != http.StatusAccepted || job["status"] != "queued" {
		t.Fatalf("render = %d %v", status, job)
	}
	jobID := job["id"].(string)

	// The worker normally picks this up off the queue.
	if err := env.service.ExecuteRenderJob(context.Background(), jobID); err != nil {
		t.Fatalf("execute render job: %v", err)
	}

	status, job = doJSON(t, http.MethodGet, server.URL+"/api/render-jobs/"+jobID, nil)
	if status != http.StatusOK || job["status"] != "success" {
		t.Fatalf("render job after execute = %d %v", status, job)
	}

	status, logs := doJSON(t, http.MethodGet, server.URL+"/api/versions/"+versionID+"/render-logs", nil)
	if status != http.StatusOK {
		t.Fatalf("render logs = %d", status)
	}
	if jobs := logs["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("render logs = %v", logs)
	}

	resp, err := http.Get(server.URL + "/api/versions/" + versionID + "/pdf")
	if err != nil {
		t.Fatalf("fetch pdf: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("pdf fetch = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Content-SHA256") == "" {
		t.Fatalf("pdf fetch missing content hash header")
	}

	status, link := doJSON(t, http.MethodPost, server.URL+"/api/versions/"+versionID+"/share-links", map[string]any{})
	if status != http.StatusCreated {
		t.Fatalf("publish = %d %v", status, link)
	}
	shareURL := link["shareUrl"].(string)
	linkID := link["id"].(string)
	rawToken := shareURL[strings.LastIndex(shareURL, "/")+1:]

	resp, err = http.Get(server.URL + "/share/" + rawToken)
	if err != nil {
		t.Fatalf("public fetch: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("public fetch = %d", resp.StatusCode)
	}

	status, link = doJSON(t, http.MethodPost, server.URL+"/api/share-links/"+linkID+"/revoke", nil)
	if status != http.StatusOK || link["revokedAt"] == nil {
		t.Fatalf("revoke = %d %v", status, link)
	}

	status, denied := doJSON(t, http.MethodGet, server.URL+"/share/"+rawToken, nil)
	if status != http.StatusNotFound || denied["code"] != CodeNotFound {
		t.Fatalf("revoked fetch = %d %v", status, denied)
	}

	status, accessLogs := doJSON(t, http.MethodGet, server.URL+"/api/share-links/"+linkID+"/access-logs", nil)
	if status != http.StatusOK {
		t.Fatalf("access logs = %d", status)
	}
	if entries := accessLogs["accessLogs"].([]any); len(entries) != 1 {
		t.Fatalf("access logs = %v", accessLogs)
	}

	status, events := doJSON(t, http.MethodGet, server.URL+"/api/documents/"+documentID+"/audit-events", nil)
	if status != http.StatusOK {
		t.Fatalf("audit events = %d", status)
	}
	if entries := events["events"].([]any); len(entries) == 0 {
		t.Fatalf("no audit events recorded")
	}
}

func TestDeniedLinkResponsesAreUniform(t *testing.T) {
	env, server := newTestServer(t)
	version := renderedVersion(t, env)

	published, err := env.service.Publish(context.Background(), version.ID, nil, "", "dana")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	rawToken := strings.TrimPrefix(published.ShareURL, "https://sign.example.com/share/")
	if _, err := env.service.Revoke(context.Background(), published.Link.ID, "dana"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	for _, token := range []string{rawToken, "never-issued"} {
		status, payload := doJSON(t, http.MethodGet, server.URL+"/share/"+token, nil)
		if status != http.StatusNotFound || payload["code"] != CodeNotFound {
			t.Fatalf("token %q = %d %v", token, status, payload)
		}
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, server := newTestServer(t)

	for _, path := range []string{"/api/nope", "/nope", fmt.Sprintf("/api/documents/%s/nope", "doc_x")} {
		status, _ := doJSON(t, http.MethodGet, server.URL+path, nil)
		if status != http.StatusNotFound {
			t.Fatalf("%s = %d", path, status)
		}
	}
}

func TestRequestIDPropagates(t *testing.T) {
	_, server := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-test-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-test-42" {
		t.Fatalf("request id = %q", got)
	}
}
