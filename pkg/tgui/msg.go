package tgui

import (
	"strings"
	"unicode/utf8"

	"wxalert/internal/transport"
)

// MaxMessageRunes is Telegram's limit for a single message text.
const MaxMessageRunes = 4096

// Message is a rendered payload: text plus send options.
type Message struct {
	Text string
	Opt  *transport.SendOptions
}

// Builder assembles a message line by line, escaping for the parse mode.
type Builder struct {
	parseMode      string
	disablePreview bool
	lines          []string
}

// New creates a new builder with sensible defaults for Telegram.
func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

// ParseMode overrides Telegram parse mode ("HTML" or empty for plain text).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// Title adds a bold title line.
func (b *Builder) Title(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, B(t).String())
	} else {
		b.lines = append(b.lines, t)
	}
	return b
}

// Line adds a single line, escaping when ParseMode is HTML.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	if b.html() {
		b.lines = append(b.lines, Esc(s).String())
	} else {
		b.lines = append(b.lines, s)
	}
	return b
}

// Italic adds an italic line in HTML mode, a plain line otherwise.
func (b *Builder) Italic(s string) *Builder {
	s = strings.TrimSpace(s)
	if s == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, I(s).String())
	} else {
		b.lines = append(b.lines, s)
	}
	return b
}

// KV adds a "key: value" row. Empty values are skipped.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, JoinH(": ", B(key), Esc(value)).String())
	} else {
		b.lines = append(b.lines, key+": "+value)
	}
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// Build produces a ready-to-send Message. Text over MaxMessageRunes is cut at
// a line boundary so HTML tags stay balanced.
func (b *Builder) Build() Message {
	lines := b.lines
	text := strings.Trim(strings.Join(lines, "\n"), "\n")
	for len(lines) > 1 && runeLen(text) > MaxMessageRunes {
		lines = lines[:len(lines)-1]
		text = strings.Trim(strings.Join(lines, "\n"), "\n") + "\n…"
	}
	if runeLen(text) > MaxMessageRunes {
		// A single oversized line; only safe to cut as plain text.
		text = TruncRunes(text, MaxMessageRunes-1)
	}
	return Message{
		Text: text,
		Opt:  &transport.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview},
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
