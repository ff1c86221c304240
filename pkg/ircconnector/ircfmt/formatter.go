// Copyright 2024-2026 Aiku AI

// Package ircfmt converts IRC formatting codes to Matrix HTML.
package ircfmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting an IRC message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Content builds message event content of the given type.
func (pm *ParsedMessage) Content(msgType event.MessageType) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          pm.Body,
		Format:        pm.Format,
		FormattedBody: pm.FormattedBody,
	}
}

const (
	codeBold      = '\x02'
	codeColor     = '\x03'
	codeHexColor  = '\x04'
	codeReset     = '\x0F'
	codeMonospace = '\x11'
	codeReverse   = '\x16'
	codeItalic    = '\x1D'
	codeStrike    = '\x1E'
	codeUnderline = '\x1F'

	controlCodes = "\x02\x03\x04\x0F\x11\x16\x1D\x1E\x1F"
)

// palette holds the 16 standard mIRC colors. Extended colors 16-98 are not
// mapped and 99 means the client default.
var palette = [16]string{
	"#FFFFFF", "#000000", "#00007F", "#009300",
	"#FF0000", "#7F0000", "#9C009C", "#FC7F00",
	"#FFFF00", "#00FC00", "#009393", "#00FFFF",
	"#0000FC", "#FF00FF", "#7F7F7F", "#D2D2D2",
}

type style struct {
	bold, italic, underline, strike, monospace bool
	fg, bg                                     string
}

func (s style) wrap(text string) string {
	if s.monospace {
		text = "<code>" + text + "</code>"
	}
	if s.strike {
		text = "<del>" + text + "</del>"
	}
	if s.underline {
		text = "<u>" + text + "</u>"
	}
	if s.italic {
		text = "<em>" + text + "</em>"
	}
	if s.bold {
		text = "<strong>" + text + "</strong>"
	}
	if s.fg != "" || s.bg != "" {
		var attrs []string
		if s.fg != "" {
			attrs = append(attrs, `data-mx-color="`+s.fg+`"`)
		}
		if s.bg != "" {
			attrs = append(attrs, `data-mx-bg-color="`+s.bg+`"`)
		}
		text = "<font " + strings.Join(attrs, " ") + ">" + text + "</font>"
	}
	return text
}

// Parse converts an IRC message to Matrix event content. Messages without
// any control codes are returned as plain text.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	if !strings.ContainsAny(text, controlCodes) {
		return &ParsedMessage{Body: text}
	}

	var body, formatted strings.Builder
	styled := false
	scan(text, func(segment string, st style) {
		body.WriteString(segment)
		formatted.WriteString(st.wrap(html.EscapeString(segment)))
		if st != (style{}) {
			styled = true
		}
	})
	if !styled {
		return &ParsedMessage{Body: body.String()}
	}
	return &ParsedMessage{
		Body:          body.String(),
		Format:        event.FormatHTML,
		FormattedBody: formatted.String(),
	}
}

// Strip removes all formatting codes from an IRC message.
func Strip(text string) string {
	if !strings.ContainsAny(text, controlCodes) {
		return text
	}
	var sb strings.Builder
	scan(text, func(segment string, _ style) {
		sb.WriteString(segment)
	})
	return sb.String()
}

// scan walks text and calls emit for every run of characters sharing a style.
func scan(text string, emit func(segment string, st style)) {
	var cur style
	start := 0
	flush := func(end int) {
		if end > start {
			emit(text[start:end], cur)
		}
	}
	for i := 0; i < len(text); {
		next := cur
		n := 1
		switch text[i] {
		case codeBold:
			next.bold = !cur.bold
		case codeItalic:
			next.italic = !cur.italic
		case codeUnderline:
			next.underline = !cur.underline
		case codeStrike:
			next.strike = !cur.strike
		case codeMonospace:
			next.monospace = !cur.monospace
		case codeReset:
			next = style{}
		case codeReverse:
		case codeColor:
			fg, bg, consumed := parseColor(text[i+1:])
			next.fg, next.bg = applyColor(cur, fg, bg, consumed)
			n += consumed
		case codeHexColor:
			fg, bg, consumed := parseHexColor(text[i+1:])
			next.fg, next.bg = applyColor(cur, fg, bg, consumed)
			n += consumed
		default:
			i++
			continue
		}
		flush(i)
		cur = next
		i += n
		start = i
	}
	flush(len(text))
}

// applyColor returns the colors after a color code. A code without any
// digits resets both colors; a missing background keeps the current one.
func applyColor(cur style, fg, bg string, consumed int) (string, string) {
	if consumed == 0 {
		return "", ""
	}
	if bg == "-" {
		return fg, cur.bg
	}
	return fg, bg
}

// parseColor reads the "FG[,BG]" digits following a \x03 code. bg is "-"
// when no background was given.
func parseColor(s string) (fg, bg string, consumed int) {
	code, n := readDigits(s)
	if n == 0 {
		return "", "", 0
	}
	fg, bg, consumed = colorHex(code), "-", n
	if len(s) > n+1 && s[n] == ',' {
		if bgCode, m := readDigits(s[n+1:]); m > 0 {
			bg = colorHex(bgCode)
			consumed += 1 + m
		}
	}
	return fg, bg, consumed
}

// parseHexColor reads the "RRGGBB[,RRGGBB]" following a \x04 code.
func parseHexColor(s string) (fg, bg string, consumed int) {
	if !isHex(s) {
		return "", "", 0
	}
	fg, bg, consumed = "#"+strings.ToUpper(s[:6]), "-", 6
	if len(s) > 7 && s[6] == ',' && isHex(s[7:]) {
		bg = "#" + strings.ToUpper(s[7:13])
		consumed += 7
	}
	return fg, bg, consumed
}

func readDigits(s string) (int, int) {
	code, n := 0, 0
	for n < 2 && n < len(s) && s[n] >= '0' && s[n] <= '9' {
		code = code*10 + int(s[n]-'0')
		n++
	}
	return code, n
}

func isHex(s string) bool {
	if len(s) < 6 {
		return false
	}
	for _, c := range s[:6] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func colorHex(code int) string {
	if code < len(palette) {
		return palette[code]
	}
	return ""
}
