package guard

import (
	"regexp"
	"sort"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	smartQuotes     = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
		"‘", "'", "’", "'",
	)
)

// stripFences returns the body of the first markdown code fence, or s.
func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// singleToDouble converts Python-style single-quoted objects when the text
// has no double quotes at all.
func singleToDouble(s string) string {
	if strings.Contains(s, `"`) || !strings.Contains(s, "'") {
		return s
	}
	return strings.ReplaceAll(s, "'", `"`)
}

func repairText(s string) string {
	s = strings.TrimSpace(stripFences(strings.TrimSpace(s)))
	s = smartQuotes.Replace(s)
	s = singleToDouble(s)
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// balancedObjects returns every top-level-balanced {...} substring of s,
// respecting string literals and escapes, largest first.
func balancedObjects(s string) []string {
	var out []string
	seen := map[string]bool{}
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		if end := matchBrace(s, start); end > start {
			obj := s[start : end+1]
			if !seen[obj] {
				seen[obj] = true
				out = append(out, obj)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// matchBrace returns the index of the brace closing s[start], or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// candidates lists texts worth a strict parse, best guess first. The raw
// text itself is not included.
func candidates(raw string) []string {
	fixed := repairText(raw)
	out := []string{fixed}
	for _, obj := range balancedObjects(fixed) {
		if obj != fixed {
			out = append(out, obj)
		}
	}
	return out
}
