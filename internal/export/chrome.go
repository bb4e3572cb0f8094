package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeEngine prints document HTML with headless Chrome. Every network
// request the page makes is intercepted: image loads are allowed and watched,
// everything else that leaves the data URL is failed and recorded as blocked.
type ChromeEngine struct {
	Timeout time.Duration
}

func NewChromeEngine(timeout time.Duration) *ChromeEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeEngine{Timeout: timeout}
}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Unlike url.QueryEscape, this encodes spaces as %20, not +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}

// qaObserver accumulates the quality-gate findings for one render.
type qaObserver struct {
	mu            sync.Mutex
	blockedURLs   []string
	imageURLs     map[network.RequestID]string
	missingImages []string
}

func newQAObserver() *qaObserver {
	return &qaObserver{imageURLs: map[network.RequestID]string{}}
}

func (o *qaObserver) recordBlocked(rawURL string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.blockedURLs {
		if existing == rawURL {
			return
		}
	}
	o.blockedURLs = append(o.blockedURLs, rawURL)
}

func (o *qaObserver) watchImage(id network.RequestID, rawURL string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.imageURLs[id] = rawURL
}

func (o *qaObserver) recordImageFailure(id network.RequestID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rawURL, ok := o.imageURLs[id]
	if !ok {
		return
	}
	delete(o.imageURLs, id)
	o.missingImages = append(o.missingImages, rawURL)
}

func (o *qaObserver) recordImageResponse(id network.RequestID, status int64) {
	if status < 400 {
		o.mu.Lock()
		delete(o.imageURLs, id)
		o.mu.Unlock()
		return
	}
	o.recordImageFailure(id)
}

func (o *qaObserver) findings() ([]string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	blocked := append([]string(nil), o.blockedURLs...)
	missing := append([]string(nil), o.missingImages...)
	return blocked, missing
}

// allowedRequest reports whether a paused request may proceed. Data URLs are
// the page itself; http(s) image loads are the one kind of external fetch the
// renderer permits.
func allowedRequest(ev *fetch.EventRequestPaused) bool {
	if strings.HasPrefix(ev.Request.URL, "data:") {
		return true
	}
	if ev.ResourceType != network.ResourceTypeImage {
		return false
	}
	parsed, err := url.Parse(ev.Request.URL)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func (e *ChromeEngine) RenderPDF(ctx context.Context, req Request) (Result, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return Result{}, fmt.Errorf("%w: chromium not installed", ErrDependencyMissing)
		}
	}

	html, err := BuildDocumentHTML(req)
	if err != nil {
		return Result{}, fmt.Errorf("build document html: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	observer := newQAObserver()

	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(taskCtx)
				execCtx := cdp.WithExecutor(taskCtx, c.Target)
				if allowedRequest(ev) {
					if ev.ResourceType == network.ResourceTypeImage {
						observer.watchImage(ev.NetworkID, ev.Request.URL)
					}
					_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
					return
				}
				observer.recordBlocked(ev.Request.URL)
				_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			}()
		case *network.EventResponseReceived:
			observer.recordImageResponse(ev.RequestID, ev.Response.Status)
		case *network.EventLoadingFailed:
			observer.recordImageFailure(ev.RequestID)
		}
	})

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		fetch.Enable(),
		network.Enable(),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		// Give straggling image loads a moment to settle before printing.
		chromedp.Sleep(250*time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, ErrRenderTimeout
		}
		return Result{}, fmt.Errorf("chrome pdf generation failed: %w", err)
	}

	blocked, missing := observer.findings()
	return Result{PDF: pdfData, BlockedURLs: blocked, MissingImages: missing}, nil
}
