// Package rules parses the image-swap map file into ordered rule tables.
package rules

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/twr-io/imageswap-webhook/pkg/log"
)

const (
	// DefaultKey is the reserved prefix-table key used as a fallback when no
	// other rule matches.
	DefaultKey = "default"
	// NoswapWildcardsKey is the reserved prefix-table key whose value is a
	// comma-separated list of substrings that suppress swapping.
	NoswapWildcardsKey = "noswap_wildcards"

	exactKeyword   = "[EXACT]"
	replaceKeyword = "[REPLACE]"
)

// ReplaceRule is a single (glob, replacement) pair from the [REPLACE] table,
// kept in file order since the Swap Engine scans it linearly.
type ReplaceRule struct {
	Glob        string
	Replacement string
}

// RuleTables is the parsed map file: three ordered rule tables consulted by
// the Swap Engine in exact -> replace -> prefix order.
type RuleTables struct {
	Exact   map[string]string
	Replace []ReplaceRule
	Prefix  map[string]string
}

// NoswapWildcards returns the parsed substrings of the reserved
// noswap_wildcards prefix-table entry, or nil if none was set.
func (t RuleTables) NoswapWildcards() []string {
	raw, ok := t.Prefix[NoswapWildcardsKey]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Load parses the map file at path on fs into a RuleTables value. The loader
// is pure: callers reload by invoking Load again.
func Load(fs afero.Fs, path string) (RuleTables, error) {
	f, err := fs.Open(path)
	if err != nil {
		return RuleTables{}, fmt.Errorf("opening map file %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the map grammar described in the map-file format from r.
func Parse(r io.Reader) (RuleTables, error) {
	tables := RuleTables{
		Exact:  map[string]string{},
		Prefix: map[string]string{},
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.Join(strings.Fields(line), "")
		if line == "" {
			continue
		}

		key, value, ok := splitKeyValue(line, lineNo)
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(key, exactKeyword):
			tables.Exact[strings.TrimPrefix(key, exactKeyword)] = value
		case strings.HasPrefix(key, replaceKeyword):
			tables.Replace = append(tables.Replace, ReplaceRule{
				Glob:        strings.TrimPrefix(key, replaceKeyword),
				Replacement: value,
			})
		default:
			tables.Prefix[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return RuleTables{}, fmt.Errorf("reading map file: %w", err)
	}
	return tables, nil
}

// splitKeyValue applies the "::" (preferred) / ":" (legacy) separator rule
// for a single non-empty, already-trimmed line. It returns ok=false when the
// line must be rejected (ambiguous single-colon use with multiple colons).
func splitKeyValue(line string, lineNo int) (key, value string, ok bool) {
	if idx := strings.Index(line, "::"); idx >= 0 {
		return line[:idx], line[idx+2:], true
	}

	colons := strings.Count(line, ":")
	if colons == 0 {
		log.DefaultLogger.WithField("line", lineNo).Warn("map file: line has no separator, skipping")
		return "", "", false
	}
	if colons > 1 {
		log.DefaultLogger.WithFields(logrus.Fields{"line": lineNo, "content": line}).
			Warn("map file: ambiguous use of legacy ':' separator with multiple colons, use '::' instead, skipping")
		return "", "", false
	}

	log.DefaultLogger.WithField("line", lineNo).Warn("map file: legacy ':' separator is deprecated, use '::' instead")
	idx := strings.IndexByte(line, ':')
	return line[:idx], line[idx+1:], true
}
