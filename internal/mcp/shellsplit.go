package mcp

import (
	"errors"
	"strings"
)

// ErrUnterminatedQuote is returned by SplitCommand for a command line
// that ends inside a quoted section.
var ErrUnterminatedQuote = errors.New("unterminated quote in command")

// SplitCommand splits a command line into words the way a POSIX shell
// would for a simple command: whitespace separates words, single quotes
// preserve everything literally, double quotes allow backslash escapes
// of `"`, `\`, `$` and backquote, and an unquoted backslash escapes the
// next character. Variable expansion, globbing and operators are not
// interpreted.
func SplitCommand(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		escaped bool
		quote   rune
	)

	for _, r := range line {
		switch {
		case escaped:
			if quote == '"' && !strings.ContainsRune("\"\\$`", r) {
				cur.WriteByte('\\')
			}
			cur.WriteRune(r)
			escaped = false
			inWord = true
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 || escaped {
		return nil, ErrUnterminatedQuote
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
