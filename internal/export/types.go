// Package export renders a locked document version to PDF with headless
// Chrome, recording the network activity the render quality gate needs.
package export

import (
	"context"
	"errors"
	"time"
)

// Request carries everything the engine needs to print one version.
type Request struct {
	Title       string
	ContentHTML string
	DocumentID  string
	VersionSeq  int
	SignedAt    *time.Time
	Signatures  []SignatureLine
}

// SignatureLine is one signer's row in the printed signature block.
type SignatureLine struct {
	DisplayName    string
	TypedSignature string
	RespondedAt    *time.Time
}

// Result is the printed PDF plus the quality-gate observations collected
// while the page loaded.
type Result struct {
	PDF           []byte
	BlockedURLs   []string
	MissingImages []string
}

// Engine is implemented by the Chrome printer and by test fakes.
type Engine interface {
	RenderPDF(ctx context.Context, req Request) (Result, error)
}

var (
	// ErrDependencyMissing indicates the headless browser is not installed.
	ErrDependencyMissing = errors.New("export pdf dependency missing")
	// ErrRenderTimeout indicates the print did not finish within the job deadline.
	ErrRenderTimeout = errors.New("export render timeout")
)
