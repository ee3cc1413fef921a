package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"server":  {"base_url", "token_file", "owner_id"},
	"storage": {"backend", "path", "redis_url"},
	"autosave": {
		"debounce", "fast_debounce", "high_priority", "batch_size", "max_batch_size",
		"max_attempts", "base_backoff", "max_backoff", "concurrency", "jitter",
	},
	"cache":   {"ttl"},
	"network": {"connect_timeout", "request_timeout", "probe_interval", "user_agent"},
	"logging": {"log_level", "log_file", "log_format", "log_retention_days"},
}

// knownSections is sorted for deterministic suggestions when two
// candidates have the same edit distance.
var knownSections = func() []string {
	sections := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		sections = append(sections, s)
	}

	sort.Strings(sections)

	return sections
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. An
// unknown section is reported once, not once per key inside it.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		section, field, nested := strings.Cut(key.String(), ".")

		if _, ok := knownKeys[section]; !ok {
			if !reported[section] {
				reported[section] = true
				errs = append(errs, unknownKeyError("section", section, "", knownSections))
			}

			continue
		}

		if !nested {
			continue
		}

		errs = append(errs, unknownKeyError("key", field, section, sortedKeys(section)))
	}

	return errors.Join(errs...)
}

func unknownKeyError(kind, name, section string, known []string) error {
	label := name
	if section != "" {
		label = section + "." + name
	}

	if suggestion := closestMatch(name, known); suggestion != "" {
		if section != "" {
			suggestion = section + "." + suggestion
		}

		return fmt.Errorf("unknown config %s %q, did you mean %q?", kind, label, suggestion)
	}

	return fmt.Errorf("unknown config %s %q", kind, label)
}

func sortedKeys(section string) []string {
	keys := append([]string(nil), knownKeys[section]...)
	sort.Strings(keys)

	return keys
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
