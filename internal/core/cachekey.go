package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// cacheKeyDomain separates cache key digests from any other sha256 use.
const cacheKeyDomain = "matrixci/cache-key/v2"

// KeyScope is what a cache key sees besides the job itself: the pipeline
// it belongs to, the runner OS and the job environment. Both the pipeline
// name and the OS enter the digest, so a Linux and a Windows pipeline
// sharing a cache never share a key.
type KeyScope struct {
	Pipeline string
	OS       string
	Env      map[string]string
}

// ResolveKey derives the cache key for one category of one job with an
// empty scope.
func ResolveKey(spec CacheSpec, job JobContext, fingerprint string) (string, error) {
	return KeyScope{}.ResolveKey(spec, job, fingerprint)
}

// ResolveKey derives the cache key for one category of one job.
//
// The key is "<prefix>-<digest>". The prefix is the rendered Key template
// (or the category) reduced to a filesystem-safe slug. The digest covers
// the scope, the rendered prefix, the category, the path, every dimension
// name and value in declaration order and the fingerprint, each
// length-prefixed, so two inputs differing in any of them never share a
// key.
func (s KeyScope) ResolveKey(spec CacheSpec, job JobContext, fingerprint string) (string, error) {
	prefix := spec.Category
	if spec.Key != "" {
		rendered, err := render("cache key "+spec.Category, spec.Key, templateData{
			Matrix:      job.Map(),
			Env:         s.Env,
			Job:         job.Name(s.Pipeline),
			OS:          s.OS,
			Category:    spec.Category,
			Fingerprint: fingerprint,
		})
		if err != nil {
			return "", err
		}
		prefix = rendered
	}

	h := sha256.New()
	writeField := func(v string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	writeField(cacheKeyDomain)
	writeField(s.Pipeline)
	writeField(s.OS)
	writeField(prefix)
	writeField(spec.Category)
	writeField(spec.Path)
	for i, name := range job.names {
		writeField(name)
		writeField(job.values[i])
	}
	writeField(fingerprint)

	return slug(prefix) + "-" + hex.EncodeToString(h.Sum(nil)), nil
}

// slug folds accents and replaces anything outside [A-Za-z0-9._-] with '-'.
func slug(s string) string {
	// transformers carry state; build one per call
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "cache"
	}
	return out
}
