package services

import (
	"bytes"
	"fmt"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders backend replies written in markdown into HTML suitable for the transcript. The backend
// is not trusted, so the produced HTML is passed through a user-generated-content policy. Code blocks are
// highlighted with CSS classes rather than inline styles so that the policy can stay strict.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewMarkdown creates a Markdown renderer with GitHub flavored markdown and code highlighting enabled.
func NewMarkdown() Markdown {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("pre", "code", "span")
	policy.RequireNoReferrerOnLinks(true)
	policy.AddTargetBlankToFullyQualifiedLinks(true)

	return Markdown{
		md:     md,
		policy: policy,
	}
}

// Render converts text to sanitized HTML.
func (m Markdown) Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("error converting markdown: %w", err)
	}
	return m.policy.Sanitize(buf.String()), nil
}
