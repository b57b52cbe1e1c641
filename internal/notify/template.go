package notify

import "strings"

// DefaultTemplate is the header used when a subscription has no template
// of its own (NULL in the store). An explicitly empty template suppresses
// the header instead.
const DefaultTemplate = "$streamer_name started stream"

const placeholderName = "streamer_name"

// RenderHeader substitutes $streamer_name (or ${streamer_name}) in the
// subscription template. Substitution is safe: any other $token stays
// literal, "$$" collapses to "$", and a trailing "$" is kept as-is.
func RenderHeader(template *string, streamerName string) string {
	tmpl := DefaultTemplate
	if template != nil {
		if *template == "" {
			return ""
		}
		tmpl = *template
	}

	var b strings.Builder
	b.Grow(len(tmpl) + len(streamerName))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		// c == '$'
		if i+1 >= len(tmpl) {
			b.WriteByte('$')
			break
		}
		switch next := tmpl[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				b.WriteByte('$')
				i++
				continue
			}
			name := tmpl[i+2 : i+2+end]
			if name == placeholderName {
				b.WriteString(streamerName)
			} else {
				b.WriteString(tmpl[i : i+2+end+1])
			}
			i += 2 + end + 1
		default:
			name := identifierAt(tmpl[i+1:])
			if name == "" {
				b.WriteByte('$')
				i++
				continue
			}
			if name == placeholderName {
				b.WriteString(streamerName)
			} else {
				b.WriteByte('$')
				b.WriteString(name)
			}
			i += 1 + len(name)
		}
	}
	return b.String()
}

func identifierAt(s string) string {
	n := 0
	for n < len(s) && (isWordByte(s[n])) {
		n++
	}
	return s[:n]
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
