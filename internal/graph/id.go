package graph

import (
	"encoding/base32"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Namespace is the id prefix shared by every node in the graph.
const Namespace = "omg"

// Singleton node ids.
const (
	NowNodeID   = Namespace + "/now"
	IndexNodeID = Namespace + "/index"
)

// ErrEmptySlug is returned when slugification consumes the entire input.
var ErrEmptySlug = errors.New("empty-slug")

var canonicalKeyRe = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9_-]*)+$`)

// ValidCanonicalKey reports whether k is a well-formed dotted canonical key,
// e.g. "preferences.editor-theme".
func ValidCanonicalKey(k string) bool {
	return canonicalKeyRe.MatchString(k)
}

// Slugify lowercases s, folds diacritics (NFKD), replaces runs of anything
// outside [a-z0-9] with a single '-', and trims leading/trailing dashes.
func Slugify(s string) (string, error) {
	folded := norm.NFKD.String(strings.ToLower(s))

	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range folded {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from NFKD decomposition.
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "", ErrEmptySlug
	}
	return slug, nil
}

// keySlug derives the id/path slug for a canonical key. A key whose leading
// dotted segment repeats the node type contributes only its remainder, so a
// key regenerated from "<type>.<slug(title)>" never doubles the type segment
// in omg/<type>/<slug> ids or nodes/<type>/<slug>.md paths.
func keySlug(t NodeType, canonicalKey string) (string, error) {
	source := canonicalKey
	if rest, ok := strings.CutPrefix(canonicalKey, string(t)+"."); ok && rest != "" {
		source = rest
	}
	slug, err := Slugify(source)
	if err != nil {
		return "", err
	}
	return slug, nil
}

// NodeID builds the deterministic id omg/<type>/<slug(key)>.
func NodeID(t NodeType, canonicalKey string) (string, error) {
	slug, err := keySlug(t, canonicalKey)
	if err != nil {
		return "", fmt.Errorf("node id for %q: %w", canonicalKey, err)
	}
	return Namespace + "/" + string(t) + "/" + slug, nil
}

// MocNodeID builds the singleton MOC id for a domain: omg/moc-<domain>.
func MocNodeID(domain string) string {
	return Namespace + "/moc-" + domain
}

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// UID derives the stable 26-character identifier for (scope, type, key):
// blake2b-128 over the NUL-joined tuple, base32-encoded. It survives renames
// of the node file because it depends only on the addressing tuple.
func UID(scope string, t NodeType, canonicalKey string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err) // only fails for invalid digest sizes
	}
	h.Write([]byte(scope + "\x00" + string(t) + "\x00" + canonicalKey))
	return strings.ToLower(base32NoPad.EncodeToString(h.Sum(nil)))
}

// NodeRelPath is the content-addressed location of a node under the graph
// root: nodes/<type>/<slug>.md. Shares keySlug with NodeID so the file path
// and id always agree.
func NodeRelPath(t NodeType, canonicalKey string) (string, error) {
	slug, err := keySlug(t, canonicalKey)
	if err != nil {
		return "", fmt.Errorf("node path for %q: %w", canonicalKey, err)
	}
	return path.Join("nodes", string(t), slug+".md"), nil
}

// MocRelPath is the location of a domain's MOC file: mocs/moc-<domain>.md.
func MocRelPath(domain string) string {
	return path.Join("mocs", "moc-"+domain+".md")
}
