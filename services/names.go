package services

import (
	"maps"
	"slices"
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
)

// foldName normalises a display name for duplicate detection ("Élite" == "élite").
// A Caser holds state, so each call builds its own.
func foldName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// slugKey turns a display name into a stable key ("Top Fan!" -> "top-fan").
func slugKey(name string) string {
	return slug.Make(name)
}

func validName(name string) bool {
	n := strings.TrimSpace(name)
	return n != "" && len(n) <= 128
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
