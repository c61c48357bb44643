// Package extract turns memo payloads into the plain text that gets
// embedded.
package extract

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/scopedrag/internal/apperr"
)

const (
	TypeText     = "text"
	TypeMarkdown = "markdown"
	TypeHTML     = "html"
	TypePDF      = "pdf"
)

// Validate checks a payload at submit time. PDF payloads must be base64.
func Validate(contentType, content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content", "must not be empty")
	}
	switch contentType {
	case "", TypeText, TypeMarkdown, TypeHTML:
		return nil
	case TypePDF:
		if _, err := base64.StdEncoding.DecodeString(content); err != nil {
			return apperr.Validation("content", "pdf payload is not valid base64: %v", err)
		}
		return nil
	default:
		return apperr.Validation("content_type", "unsupported %q (want text, markdown, html or pdf)", contentType)
	}
}

// Text extracts plain text from content. Failures are permanent: the same
// payload will never parse on retry.
func Text(contentType, content string) (string, error) {
	var text string
	var err error
	switch contentType {
	case "", TypeText:
		text = content
	case TypeMarkdown:
		text = stripMarkdown(content)
	case TypeHTML:
		text, err = htmlText(content)
	case TypePDF:
		text, err = pdfText(content)
	default:
		err = fmt.Errorf("unsupported content type %q", contentType)
	}
	if err != nil {
		return "", apperr.Permanent("parse "+contentType, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Permanent("parse "+contentType, errors.New("no extractable text"))
	}
	return text, nil
}

var (
	mdFence    = regexp.MustCompile("(?m)^[ \t]*(```|~~~).*$")
	mdHeading  = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdQuote    = regexp.MustCompile(`(?m)^[ \t]{0,3}>[ \t]?`)
	mdList     = regexp.MustCompile(`(?m)^[ \t]*([-*+]|\d+\.)[ \t]+`)
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__|\*|_|~~|` + "`" + `)`)
	mdRule     = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
)

func stripMarkdown(s string) string {
	s = mdFence.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdList.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "")
	return s
}

// htmlText collects text nodes, skipping script, style and other
// non-visible elements.
func htmlText(s string) (string, error) {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}

func pdfText(encoded string) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding pdf payload: %w", err)
	}
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(out), nil
}
