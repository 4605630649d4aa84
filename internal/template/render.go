// Package template renders reminder content by flat {{key}} substitution.
//
// Keys match case-insensitively and may be padded with whitespace inside the braces.
// When data holds keys that differ only in case, an exact match wins and the
// lexically smallest key serves every other spelling.
// A key with no value renders as [key] so a reminder with missing data is still sendable.
// There is no nesting, escaping or conditional syntax; substituted values are never rescanned.
package template

import (
	"regexp"
	"sort"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Data maps placeholder keys to values.
type Data map[string]string

// Render substitutes every placeholder in tpl. It never fails.
func Render(tpl string, data Data) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lookup := make(map[string]string, len(data))
	for _, k := range keys {
		if _, taken := lookup[normalize(k)]; !taken {
			lookup[normalize(k)] = data[k]
		}
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		if v, ok := data[key]; ok {
			return v
		}
		if v, ok := lookup[normalize(key)]; ok {
			return v
		}
		return "[" + key + "]"
	})
}

// Placeholders lists the distinct keys referenced by tpl, in order of first use.
func Placeholders(tpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(tpl, -1) {
		k := normalize(m[1])
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, m[1])
	}
	return keys
}

// Missing lists the placeholders of tpl that data cannot resolve.
func Missing(tpl string, data Data) []string {
	lookup := make(map[string]bool, len(data))
	for k := range data {
		lookup[normalize(k)] = true
	}
	var missing []string
	for _, k := range Placeholders(tpl) {
		if !lookup[normalize(k)] {
			missing = append(missing, k)
		}
	}
	return missing
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
