package filter

import (
	"bytes"
	"strconv"
	"unicode/utf8"
)

// Escaper rewrites <, >, & and non-ASCII characters as entity references
// for one content type. Existing entity references are kept, so escaping
// escaped output is a no-op. Byte ranges pass through unchanged.
type Escaper struct {
	contentType string
}

// NewEscaper returns an escaper gated on contentType.
func NewEscaper(contentType string) *Escaper {
	return &Escaper{contentType: contentType}
}

func (e *Escaper) Apply(ctx *Context) error {
	if ctx.Partial || !MatchType(ctx.ContentType, e.contentType) {
		return nil
	}
	ctx.Buffer = Escape(ctx.Buffer)
	return nil
}

func (e *Escaper) Flush() ([]byte, error) { return nil, nil }

func (e *Escaper) Close() error { return nil }

// Escape returns b with markup characters and non-ASCII runes replaced by
// entity references. Input without such characters is returned as is.
func Escape(b []byte) []byte {
	if !needsEscape(b) {
		return b
	}
	var out bytes.Buffer
	out.Grow(len(b) + len(b)/8)
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == '&':
			if n := entityLen(b[i:]); n > 0 {
				out.Write(b[i : i+n])
				i += n
				continue
			}
			out.WriteString("&amp;")
		case c == '<':
			out.WriteString("&lt;")
		case c == '>':
			out.WriteString("&gt;")
		case c < utf8.RuneSelf:
			out.WriteByte(c)
		default:
			r, size := utf8.DecodeRune(b[i:])
			out.WriteString("&#")
			out.WriteString(strconv.Itoa(int(r)))
			out.WriteByte(';')
			i += size
			continue
		}
		i++
	}
	return out.Bytes()
}

func needsEscape(b []byte) bool {
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == '<' || c == '>' || c >= utf8.RuneSelf {
			return true
		}
		if c == '&' && entityLen(b[i:]) == 0 {
			return true
		}
	}
	return false
}

// entityLen returns the length of the entity reference at the start of b
// ("&name;", "&#123;" or "&#x1F;"), or 0 if there is none.
func entityLen(b []byte) int {
	if len(b) < 3 || b[0] != '&' {
		return 0
	}
	i := 1
	switch {
	case b[i] == '#':
		i++
		hex := i < len(b) && (b[i] == 'x' || b[i] == 'X')
		if hex {
			i++
		}
		start := i
		for i < len(b) && i-start < 8 && (isDigit(b[i]) || hex && isHex(b[i])) {
			i++
		}
		if i == start {
			return 0
		}
	case isAlpha(b[i]):
		start := i
		for i < len(b) && i-start < 32 && (isAlpha(b[i]) || isDigit(b[i])) {
			i++
		}
	default:
		return 0
	}
	if i < len(b) && b[i] == ';' {
		return i + 1
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
