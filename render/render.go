// Package render turns provider data into chat-ready text.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"tempmail-notifier/pkg/mailbox"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// MaxBodyChars caps a rendered body so it fits in one chat message.
	MaxBodyChars = 4000
	// TruncatedMarker is appended to bodies cut at MaxBodyChars.
	TruncatedMarker = "\n\n... [message truncated]"

	timeLayout = "2006-01-02 15:04"
	separator  = "━━━━━━━━━━━━━━━━━━"
)

var blankRuns = regexp.MustCompile(`\n\s*\n`)

// HTMLToText extracts readable text from an HTML fragment. Scripts and styles
// are dropped, links become [text](url), and blank-line runs collapse to one.
func HTMLToText(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript").Remove()
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		label := strings.TrimSpace(a.Text())
		if label == "" {
			label = href
		}
		a.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "[" + label + "](" + href + ")"})
	})

	var parts []string
	for _, n := range doc.Nodes {
		collectText(n, &parts)
	}
	text := strings.Join(parts, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n")), nil
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if s := strings.TrimSpace(n.Data); s != "" {
			*parts = append(*parts, s)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

// Body renders a message body, preferring HTML over plain text. It returns ""
// when the message has no usable content.
func Body(b *mailbox.Body) string {
	if b == nil {
		return ""
	}

	var text string
	if strings.TrimSpace(b.HTML) != "" {
		if t, err := HTMLToText(b.HTML); err == nil {
			text = t
		}
	}
	if text == "" {
		text = strings.TrimSpace(b.Text)
	}
	return Truncate(text, MaxBodyChars)
}

// Truncate shortens s to at most limit characters, ending with TruncatedMarker
// when anything was cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := max(limit-len([]rune(TruncatedMarker)), 0)
	return string(runes[:keep]) + TruncatedMarker
}

// NewMail formats the notification sent when messages arrive.
func NewMail(msgs []mailbox.Message) string {
	var b strings.Builder
	b.WriteString("🔔 New mail!\n")
	b.WriteString(separator)
	b.WriteString("\n")
	for _, m := range msgs {
		writeSummary(&b, m)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Inbox formats the result of a manual check.
func Inbox(msgs []mailbox.Message) string {
	if len(msgs) == 0 {
		return "📭 No messages yet."
	}
	var b strings.Builder
	b.WriteString("📧 Your messages\n")
	b.WriteString(separator)
	b.WriteString("\n")
	for i, m := range msgs {
		fmt.Fprintf(&b, "%d. ", i+1)
		writeSummary(&b, m)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Message formats a rendered message body for reading.
func Message(from, subject, text string) string {
	return fmt.Sprintf("From: %s\nSubject: %s\n%s\n%s", from, subjectOrPlaceholder(subject), separator, text)
}

func writeSummary(b *strings.Builder, m mailbox.Message) {
	fmt.Fprintf(b, "From: %s\n", m.From)
	fmt.Fprintf(b, "Subject: %s\n", subjectOrPlaceholder(m.Subject))
	if !m.SentAt.IsZero() {
		fmt.Fprintf(b, "Time: %s\n", m.SentAt.UTC().Format(timeLayout))
	}
}

func subjectOrPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(no subject)"
	}
	return s
}
