package agentrunner

import "strings"

// ChunkSize is the fixed delivery chunk size (§4.6 point 3, §8 scenario S7).
const ChunkSize = 2000

// functionCallOpen/Close wrap a mapped tool display label so it reads as a
// bracketed aside in the delivered text (§4.6 point 2): "...text [Searching
// the web] more text...".
const (
	functionCallOpen  = "["
	functionCallClose = "]"
)

// escalationMarker prefixes an engine-signalled escalation message (§4.6
// point 2) so it is visually distinct from normal output.
const escalationMarker = "⚠ " // warning sign + space

// noValidResponseMarker is emitted verbatim when a final event carries no
// content (§4.6 point 2).
const noValidResponseMarker = "(no valid response)"

// reservedMarker is a reserved control token that ChunkText strips from the
// text before slicing it (§4.6 point 3), since it carries no meaning to the
// chat service or the user. Chunk boundaries fall at fixed rune offsets, so
// an annotation such as a bracketed function-call label can be split across
// two chunks.
const reservedMarker = "\x00"

// stripReservedMarkers removes every reservedMarker occurrence from s.
func stripReservedMarkers(s string) string {
	if !strings.Contains(s, reservedMarker) {
		return s
	}
	return strings.ReplaceAll(s, reservedMarker, "")
}

// ChunkText slices text into ChunkSize-rune pieces, in order, after
// stripping reserved marker tokens. An empty input yields no chunks.
func ChunkText(text string) []string {
	clean := stripReservedMarkers(text)
	if clean == "" {
		return nil
	}
	runes := []rune(clean)
	var out []string
	for i := 0; i < len(runes); i += ChunkSize {
		end := i + ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
