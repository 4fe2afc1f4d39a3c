package models

import "fmt"

// Issue is one problem found while validating a payload. Path uses dotted
// field names ("rewards[1].metadata.badge.rarity").
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

func issuef(path, format string, args ...any) Issue {
	return Issue{Path: path, Message: fmt.Sprintf(format, args...)}
}

// PrefixIssues re-roots issues under prefix.
func PrefixIssues(prefix string, issues []Issue) []Issue {
	if prefix == "" {
		return issues
	}
	out := make([]Issue, 0, len(issues))
	for _, is := range issues {
		p := prefix
		if is.Path != "" {
			p = prefix + "." + is.Path
		}
		out = append(out, Issue{Path: p, Message: is.Message})
	}
	return out
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
