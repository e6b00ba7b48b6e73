// ABOUTME: Classifies inbound text as chat or slash command
// ABOUTME: Returns an explicit Kind so callers branch on an enumerated outcome

package commands

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSigil marks a message as a command.
const DefaultSigil = '/'

// Kind is the outcome of classifying inbound text.
type Kind int

const (
	KindChat Kind = iota
	KindCommand
)

func (k Kind) String() string {
	if k == KindCommand {
		return "command"
	}
	return "chat"
}

// Classification is the parsed form of an inbound message.
type Classification struct {
	Kind Kind
	// Name is the lower-cased command name (KindCommand only).
	Name string
	// Args are the whitespace-separated arguments (KindCommand only).
	Args []string
	// Text is the original message.
	Text string
}

// Parser splits text on a configurable sigil.
type Parser struct {
	sigil rune
}

// NewParser returns a Parser for sigil. An empty string uses DefaultSigil.
func NewParser(sigil string) Parser {
	r, _ := utf8.DecodeRuneInString(sigil)
	if r == utf8.RuneError || sigil == "" {
		r = DefaultSigil
	}
	return Parser{sigil: r}
}

// Sigil returns the command prefix as a string.
func (p Parser) Sigil() string { return string(p.sigil) }

// IsCommand reports whether the first non-whitespace character is the sigil.
func (p Parser) IsCommand(text string) bool {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	r, _ := utf8.DecodeRuneInString(trimmed)
	return trimmed != "" && r == p.sigil
}

// Parse returns the command name and arguments. The name is lower-cased;
// arguments keep their case. A bare sigil yields an empty name.
func (p Parser) Parse(text string) (string, []string) {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	trimmed = strings.TrimPrefix(trimmed, string(p.sigil))
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Classify tags text as a command or chat.
func (p Parser) Classify(text string) Classification {
	if !p.IsCommand(text) {
		return Classification{Kind: KindChat, Text: text}
	}
	name, args := p.Parse(text)
	return Classification{Kind: KindCommand, Name: name, Args: args, Text: text}
}
