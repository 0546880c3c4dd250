package util

import "strings"

// Token is one settled piece of a streamed answer: plain text in Text,
// or a recognized citation id in ID. Exactly one of the two is set.
type Token struct {
	Text string
	ID   string
}

// StreamCitationParser recognizes [[id]] citation markers in streamed
// answer text without waiting for the full answer. A marker may arrive
// split across any number of chunks; the parser holds back only as
// much text as could still turn into one. The zero value is ready to
// use.
type StreamCitationParser struct {
	buffer string
}

// Consume feeds the next chunk and returns the tokens it settles.
// Marker ids are trimmed of surrounding whitespace, so "[[ abc ]]"
// cites abc. Bracketed text that holds no valid id passes through as
// plain content.
func (p *StreamCitationParser) Consume(chunk string) []Token {
	p.buffer += chunk

	var tokens []Token
	emit := func(text string) {
		if text != "" {
			tokens = append(tokens, Token{Text: text})
		}
	}

	for {
		start := strings.Index(p.buffer, "[[")
		if start == -1 {
			keep := 0
			if strings.HasSuffix(p.buffer, "[") {
				// A lone trailing bracket may grow into a marker.
				keep = 1
			}
			emit(p.buffer[:len(p.buffer)-keep])
			p.buffer = p.buffer[len(p.buffer)-keep:]
			return tokens
		}

		emit(p.buffer[:start])
		p.buffer = p.buffer[start:]

		end := strings.Index(p.buffer[2:], "]]")
		if end == -1 {
			// The marker may still complete in a later chunk.
			return tokens
		}
		end += 2

		id := strings.TrimSpace(p.buffer[2:end])
		if isCitationID(id) {
			tokens = append(tokens, Token{ID: id})
			p.buffer = p.buffer[end+2:]
			continue
		}

		// Not a citation after all. Release the leading bracket and
		// rescan the rest.
		emit(p.buffer[:1])
		p.buffer = p.buffer[1:]
	}
}

// Flush returns whatever is still buffered as plain text. Call it when
// the stream ends; an unterminated marker is content.
func (p *StreamCitationParser) Flush() string {
	tail := p.buffer
	p.buffer = ""
	return tail
}

func isCitationID(id string) bool {
	if id == "" {
		return false
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}

	return true
}
