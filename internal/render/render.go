// Package render turns a template body plus a variable map into the frozen
// content of a document version: bound markdown, sanitized HTML, and the
// canonical content hash.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// BindVariables substitutes {{name}} placeholders in the template body.
// Unknown placeholders are left verbatim and reported so callers can warn
// without failing the whole render.
func BindVariables(body string, variables map[string]any) (string, []string) {
	var unresolved []string
	seen := map[string]bool{}
	bound := placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				unresolved = append(unresolved, name)
			}
			return match
		}
		return formatValue(value)
	})
	sort.Strings(unresolved)
	return bound, unresolved
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// RenderHTML converts bound markdown to sanitized HTML. The subset is what
// the templates actually use: headings, paragraphs, bold, italic, links,
// images, unordered lists, and horizontal rules. Everything is escaped on the
// way through; raw HTML in the source never survives.
func RenderHTML(markdown string) string {
	var out strings.Builder
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")

	var paragraph []string
	inList := false

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		out.WriteString("<p>")
		out.WriteString(renderInline(strings.Join(paragraph, " ")))
		out.WriteString("</p>\n")
		paragraph = nil
	}
	closeList := func() {
		if inList {
			out.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flushParagraph()
			closeList()
		case strings.HasPrefix(trimmed, "#"):
			flushParagraph()
			closeList()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			fmt.Fprintf(&out, "<h%d>%s</h%d>\n", level, renderInline(text), level)
		case trimmed == "---" || trimmed == "***":
			flushParagraph()
			closeList()
			out.WriteString("<hr>\n")
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushParagraph()
			if !inList {
				out.WriteString("<ul>\n")
				inList = true
			}
			out.WriteString("<li>")
			out.WriteString(renderInline(strings.TrimSpace(trimmed[2:])))
			out.WriteString("</li>\n")
		default:
			closeList()
			paragraph = append(paragraph, trimmed)
		}
	}
	flushParagraph()
	closeList()
	return out.String()
}

var (
	imagePattern  = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	strongPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	emPattern     = regexp.MustCompile(`\*([^*]+)\*`)
)

func renderInline(text string) string {
	escaped := html.EscapeString(text)
	escaped = imagePattern.ReplaceAllStringFunc(escaped, func(match string) string {
		parts := imagePattern.FindStringSubmatch(match)
		src := parts[2]
		if !safeURL(src) {
			return parts[1]
		}
		return fmt.Sprintf(`<img src=%q alt=%q>`, src, parts[1])
	})
	escaped = linkPattern.ReplaceAllStringFunc(escaped, func(match string) string {
		parts := linkPattern.FindStringSubmatch(match)
		href := parts[2]
		if !safeURL(href) {
			return parts[1]
		}
		return fmt.Sprintf(`<a href=%q>%s</a>`, href, parts[1])
	})
	escaped = strongPattern.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = emPattern.ReplaceAllString(escaped, "<em>$1</em>")
	return escaped
}

func safeURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "data:image/")
}

// ContentHash computes the canonical digest of a version's frozen content.
// Variables are serialized with sorted keys so equal content always hashes
// equal regardless of map iteration order.
func ContentHash(templateVersionID, bodyMarkdown string, variables map[string]any) (string, error) {
	canonical, err := canonicalJSON(variables)
	if err != nil {
		return "", fmt.Errorf("canonicalize variables: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(templateVersionID))
	h.Write([]byte{0})
	h.Write([]byte(bodyMarkdown))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON encodes a value with object keys in sorted order at every
// level. encoding/json already sorts map keys, but round-tripping through
// a generic value also normalizes numeric forms.
func canonicalJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
