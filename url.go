package storagehttp

import "strings"

// Layout selects how a hex key is mapped to a URL below the origin.
type Layout int

const (
	// LayoutSubdirs stores entries as <first two hex chars>/<rest>.
	LayoutSubdirs Layout = iota
	// LayoutFlat appends the key directly to the origin.
	LayoutFlat
	// LayoutBazel stores entries under ac/ with a SHA-256-sized hex name,
	// as a Bazel remote cache expects.
	LayoutBazel
)

func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutBazel:
		return "bazel"
	default:
		return "subdirs"
	}
}

func parseLayout(s string) Layout {
	switch s {
	case "bazel":
		return LayoutBazel
	case "flat":
		return LayoutFlat
	default:
		return LayoutSubdirs
	}
}

// sha256HexSize is the length of a SHA-256 digest in hex digits, the entry
// name size Bazel remote caches expect.
const sha256HexSize = 64

// normalizeOrigin makes sure the origin ends with exactly one "/".
func normalizeOrigin(origin string) string {
	return strings.TrimRight(origin, "/") + "/"
}

// buildURL maps a lower-case hex key to the request URL for the given
// origin and layout. The origin must already be normalized.
func buildURL(origin string, layout Layout, hexKey string) string {
	var b strings.Builder
	b.WriteString(origin)

	switch layout {
	case LayoutBazel:
		b.WriteString("ac/")
		if len(hexKey) >= sha256HexSize {
			b.WriteString(hexKey[:sha256HexSize])
		} else {
			// Pad short keys to the expected digest size by repeating the
			// key's own prefix.
			n := 0
			for n < sha256HexSize && len(hexKey) > 0 {
				chunk := hexKey
				if sha256HexSize-n < len(chunk) {
					chunk = chunk[:sha256HexSize-n]
				}
				b.WriteString(chunk)
				n += len(chunk)
			}
		}

	case LayoutFlat:
		b.WriteString(hexKey)

	default: // LayoutSubdirs
		if len(hexKey) >= 2 {
			b.WriteString(hexKey[:2])
			b.WriteString("/")
			b.WriteString(hexKey[2:])
		} else {
			b.WriteString(hexKey)
		}
	}

	return b.String()
}
