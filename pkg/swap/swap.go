// Package swap implements the image-swap resolution algorithm: given an
// image reference string and a set of rule tables, it decides whether and
// how to rewrite the reference to point at a different registry.
package swap

import (
	"strings"

	"github.com/twr-io/imageswap-webhook/pkg/imageref"
	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/rules"
)

// Result is the outcome of resolving a single image string against a
// RuleTables value.
type Result struct {
	New     string
	Changed bool
}

// Resolve applies the exact -> replace/glob -> prefix resolution order
// described by the map file's rule tables to image, returning either a
// rewritten reference or a "no change" verdict.
func Resolve(image string, tables rules.RuleTables) Result {
	if replacement, ok := tables.Exact[image]; ok {
		return finish(image, replacement)
	}

	for _, rule := range tables.Replace {
		if wildcardMatch(rule.Glob, image) {
			return finish(image, joinBasename(rule.Replacement, image))
		}
	}

	return resolvePrefix(image, tables)
}

// resolvePrefix implements steps 3-5 of the resolution order: selecting a
// prefix-table candidate key, falling back to noswap_wildcards/default, and
// applying the selected prefix to the image string.
func resolvePrefix(image string, tables rules.RuleTables) Result {
	ref := imageref.Parse(image)

	candidates := make([]string, 0, 3)
	if ref.RegistryPort != "" {
		candidates = append(candidates, ref.HostPort())
	}
	candidates = append(candidates, ref.Registry)
	if ref.IsLibrary {
		candidates = append(candidates, ref.Registry+"/library")
	}

	for _, candidate := range candidates {
		if prefix, ok := tables.Prefix[candidate]; ok {
			if prefix == "" {
				log.DefaultLogger.WithField("image", image).WithField("key", candidate).Debug("swap: map entry has no value assigned, skipping swap")
				return Result{New: image, Changed: false}
			}
			return applyPrefix(image, ref, candidate, prefix)
		}
	}

	for _, wildcard := range tables.NoswapWildcards() {
		if wildcard != "" && strings.Contains(image, wildcard) {
			return Result{New: image, Changed: false}
		}
	}

	def, ok := tables.Prefix[rules.DefaultKey]
	if !ok || def == "" {
		log.DefaultLogger.WithField("image", image).Warn("swap: no matching rule and no default prefix configured, leaving image unchanged")
		return Result{New: image, Changed: false}
	}
	// The default prefix substitutes the registry as it appears in the image,
	// not the reserved "default" key itself.
	return applyPrefix(image, ref, ref.HostPort(), def)
}

// applyPrefix implements step 5: mirror-mode concatenation, in-place
// substitution of the selected key, or plain prefixing.
func applyPrefix(image string, ref imageref.ImageRef, selectedKey, prefix string) Result {
	if strings.HasSuffix(prefix, "-") {
		body := ref.Repository + ref.Selector
		body = stripPortBeforeSlash(body)
		return finish(image, prefix+ref.Registry+"/"+body)
	}
	if strings.Contains(image, selectedKey) {
		return finish(image, strings.Replace(image, selectedKey, prefix, 1))
	}
	return finish(image, prefix+"/"+image)
}

// stripPortBeforeSlash removes any ":port" segment immediately preceding a
// '/' in body, matching the mirror-mode host normalization rule.
func stripPortBeforeSlash(body string) string {
	segments := strings.Split(body, "/")
	for i := 0; i < len(segments)-1; i++ {
		if colonIdx := strings.IndexByte(segments[i], ':'); colonIdx >= 0 {
			segments[i] = segments[i][:colonIdx]
		}
	}
	return strings.Join(segments, "/")
}

// wildcardMatch matches s against a shell-style pattern where '*' matches
// any sequence and '?' any single byte. Unlike path.Match, '*' crosses '/',
// since replace globs run against the whole image string.
func wildcardMatch(pattern, s string) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// joinBasename forms replacement + "/" + basename(image), where basename is
// the substring after the last '/' (or the whole string with none present).
func joinBasename(replacement, image string) string {
	basename := image
	if idx := strings.LastIndexByte(image, '/'); idx >= 0 {
		basename = image[idx+1:]
	}
	return replacement + "/" + basename
}

func finish(original, candidate string) Result {
	return Result{New: candidate, Changed: candidate != original}
}

// LegacyResolve implements the deprecated single-prefix LEGACY mode: every
// external image is pushed under prefix, keeping only its basename unless the
// prefix ends in "-".
func LegacyResolve(image, prefix string) Result {
	if prefix == "" {
		log.DefaultLogger.WithField("image", image).Warn("swap: legacy image prefix is empty, skipping swap")
		return Result{New: image, Changed: false}
	}
	if strings.Contains(image, prefix) {
		log.DefaultLogger.WithField("image", image).Debug("swap: internal image definition detected, nothing to do")
		return Result{New: image, Changed: false}
	}
	if strings.HasSuffix(prefix, "-") {
		return finish(image, prefix+image)
	}
	if !strings.Contains(image, "/") {
		return finish(image, prefix+"/"+image)
	}
	return finish(image, joinBasename(prefix, image))
}
