// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hubfmt converts Matrix HTML to IRC formatting codes.
package hubfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// IRC control codes.
const (
	Bold      = "\x02"
	Italic    = "\x1D"
	Underline = "\x1F"
	Strike    = "\x1E"
	Monospace = "\x11"
)

const matrixToPrefix = "https://matrix.to/#/"

var (
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	uRe          = regexp.MustCompile(`(?s)<u>(.*?)</u>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`<code[^>]*>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	newlinesRe   = regexp.MustCompile(`\n{2,}`)
)

// Parse converts Matrix message content to IRC text. The result may contain
// newlines; each line has to be sent as its own IRC message.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody

	// Code blocks keep their content verbatim.
	text = preRe.ReplaceAllString(text, "$1\n")
	text = codeRe.ReplaceAllString(text, Monospace+"$1"+Monospace)

	text = strongRe.ReplaceAllString(text, Bold+"$1"+Bold)
	text = emRe.ReplaceAllString(text, Italic+"$1"+Italic)
	text = uRe.ReplaceAllString(text, Underline+"$1"+Underline)
	text = delRe.ReplaceAllString(text, Strike+"$1"+Strike)

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := html.UnescapeString(parts[1]), parts[2]
		switch {
		case strings.HasPrefix(href, matrixToPrefix):
			// Mention pills only keep the visible name.
			return label
		case tagRe.ReplaceAllString(label, "") == href:
			return href
		default:
			return label + " (" + href + ")"
		}
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := strings.TrimSpace(brRe.ReplaceAllString(pRe.ReplaceAllString(parts[1], "$1\n"), "\n"))
		lines := strings.Split(newlinesRe.ReplaceAllString(inner, "\n"), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		result := make([]string, 0, len(items))
		for _, item := range items {
			result = append(result, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})
	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		result := make([]string, 0, len(items))
		for i, item := range items {
			result = append(result, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = pRe.ReplaceAllString(text, "$1\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = newlinesRe.ReplaceAllString(text, "\n")

	return strings.TrimSpace(text)
}

// Lines splits converted text into non-empty IRC message lines.
func Lines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimRight(line, " \t\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
