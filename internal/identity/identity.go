// Package identity provides the pure, side-effect-free functions the rest of
// the pipeline relies on for deterministic identity: canonicalization,
// UUIDv5 derivation, markdown normalization, and content hashing. Nothing in
// this package performs I/O. These functions must stay byte-stable across
// process restarts, hosts, and future versions of this binary — any change
// to their output for a given input is a breaking schema change, because
// document_id and chunk_id are derived from them and persisted.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Namespace is the fixed namespace used for every UUIDv5 derived by this
// pipeline. It is a compile-time constant shared across all workers and
// deployments; changing it changes every document_id and chunk_id in the
// system and must never be done without a full re-derivation/migration.
var Namespace = uuid.MustParse("8f14e45f-ceea-167a-9c1a-da00b4b5e2a0")

const partSep = "\x1f"

// canonicalPart renders one value of a canonical() call into its string form.
// Maps and slices are passed through encoding/json, which sorts object keys,
// so nested metadata canonicalizes the same way regardless of insertion order.
func canonicalPart(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Canonical joins ordered parts with a single separator, lowercased, with
// JSON-sorted keys for any nested object. The result is a stable input
// string suitable for deriving deterministic IDs.
func Canonical(parts ...any) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = canonicalPart(p)
	}
	return strings.ToLower(strings.Join(out, partSep))
}

// DeriveID returns a version-5 (name-based, SHA-1) UUID for the given
// canonical string under the fixed Namespace.
func DeriveID(canonicalString string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(canonicalString))
}

// DocumentID derives the deterministic document identifier from the owning
// tenant and the raw file's content hash.
func DocumentID(ownerID, fileSHA256 string) uuid.UUID {
	return DeriveID(Canonical("document", ownerID, fileSHA256))
}

// ChunkID derives the deterministic chunk identifier. It intentionally does
// not include embed_model/embed_model_version: a model change is handled as
// a distinct re-embed job type, not a new chunk identity.
func ChunkID(documentID string, chunkerName string, chunkerVersion string, ordinal int, contentSHA256 string) uuid.UUID {
	return DeriveID(Canonical("chunk", documentID, chunkerName, chunkerVersion, ordinal, contentSHA256))
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	trailingWSRe  = regexp.MustCompile(`[ \t]+$`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	fenceMarkerRe = regexp.MustCompile("^(```|~~~)")
	headingRe     = regexp.MustCompile(`^(#{1,6})[ \t]*(.*)$`)
	bulletRe      = regexp.MustCompile(`^(\s*)[*+][ \t]+(.*)$`)
)

// NormalizeMarkdown produces canonical markdown text from arbitrary parser
// output: line endings become "\n", runs of 3+ blank lines collapse to 2,
// trailing whitespace is trimmed per line, heading/bullet/fence markers are
// standardized, and fenced code block contents are preserved verbatim. It is
// idempotent: NormalizeMarkdown(NormalizeMarkdown(x)) == NormalizeMarkdown(x).
func NormalizeMarkdown(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, ln := range lines {
		if fenceMarkerRe.MatchString(strings.TrimSpace(ln)) {
			trimmed := strings.TrimSpace(ln)
			marker := trimmed[:3]
			lang := strings.TrimSpace(trimmed[3:])
			norm := "```"
			if !inFence && lang != "" {
				norm += lang
			}
			_ = marker
			out = append(out, norm)
			inFence = !inFence
			continue
		}
		if inFence {
			// Preserve fenced code block content verbatim.
			out = append(out, ln)
			continue
		}
		ln = trailingWSRe.ReplaceAllString(ln, "")
		if m := headingRe.FindStringSubmatch(ln); m != nil {
			if strings.TrimSpace(m[2]) == "" {
				ln = m[1]
			} else {
				ln = m[1] + " " + m[2]
			}
		} else if m := bulletRe.FindStringSubmatch(ln); m != nil {
			ln = m[1] + "- " + m[2]
		}
		out = append(out, ln)
	}

	joined := strings.Join(out, "\n")
	joined = blankRunRe.ReplaceAllString(joined, "\n\n")
	joined = strings.TrimRight(joined, " \t\n")
	joined = strings.TrimLeft(joined, "\n")
	return joined
}
