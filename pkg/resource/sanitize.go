package resource

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Sanitize turns an arbitrary id into a single filesystem-safe path segment.
//
// The rules follow the common "secure filename" convention: decompose and
// drop non-ASCII, turn path separators into spaces, join whitespace runs
// with "_", keep only [A-Za-z0-9_.-], and trim leading/trailing "." and "_".
// The result can never contain a separator or be "." or "..".
func Sanitize(id string) (string, error) {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	decomposed, _, err := transform.String(t, id)
	if err != nil {
		decomposed = id
	}

	decomposed = strings.NewReplacer("/", " ", "\\", " ").Replace(decomposed)
	joined := strings.Join(strings.Fields(decomposed), "_")

	var b strings.Builder
	b.Grow(len(joined))
	for _, r := range joined {
		switch {
		case r > unicode.MaxASCII:
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '-':
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "", InvalidArgument("id %q has no filesystem-safe characters", id)
	}
	return out, nil
}
