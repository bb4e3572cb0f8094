package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04 MST")
	},
}).Parse(documentShell))

type templateData struct {
	Title      string
	VersionSeq int
	Content    string
	SignedAt   *time.Time
	Signatures []SignatureLine
}

// BuildDocumentHTML wraps sanitized version HTML in the print shell. The
// content has already been through the renderer's sanitizer, so it is the
// only value passed through safeHTML.
func BuildDocumentHTML(req Request) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, templateData{
		Title:      req.Title,
		VersionSeq: req.VersionSeq,
		Content:    req.ContentHTML,
		SignedAt:   req.SignedAt,
		Signatures: req.Signatures,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentShell = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #1a1a1a; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.85em; margin-bottom: 2rem; }
    img { max-width: 100%; }
    .signatures { margin-top: 3rem; border-top: 1px solid #999; padding-top: 1rem; page-break-inside: avoid; }
    .signature-line { margin: 1.25rem 0; }
    .signature-name { font-family: "Brush Script MT", cursive; font-size: 1.4em; }
    .signature-meta { color: #666; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Version {{.VersionSeq}}{{if .SignedAt}} &middot; Signed {{formatDate .SignedAt}}{{end}}</div>
  <div>{{.Content | safeHTML}}</div>
  {{if .Signatures}}
  <div class="signatures">
    <h2>Signatures</h2>
    {{range .Signatures}}
    <div class="signature-line">
      <div class="signature-name">{{.TypedSignature}}</div>
      <div class="signature-meta">{{.DisplayName}}{{if .RespondedAt}} &middot; {{formatDate .RespondedAt}}{{end}}</div>
    </div>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
