package reply

import (
	"regexp"
	"strings"
)

var bracketedID = regexp.MustCompile(`<([^<>\s]+)>`)

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// ParseReferences splits a References header into message ids, oldest
// first. Bracketed ids are preferred; a header without brackets is split on
// whitespace. Duplicates are dropped.
func ParseReferences(header string) []string {
	var raw []string
	if matches := bracketedID.FindAllStringSubmatch(header, -1); len(matches) > 0 {
		for _, m := range matches {
			raw = append(raw, m[1])
		}
	} else {
		raw = strings.Fields(header)
	}

	seen := make(map[string]bool, len(raw))
	ids := make([]string, 0, len(raw))
	for _, r := range raw {
		id := NormalizeMessageID(r)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
