package crdtdoc

import (
	"regexp"
	"strings"
)

// contentPreviewLen is the maximum number of characters kept in a content
// preview.
const contentPreviewLen = 200

// tagPattern matches a tag: '#', then one letter followed by up to 49
// letters/digits/underscores.
var tagPattern = regexp.MustCompile(`(?i)#[a-z][a-z0-9_]{0,49}`)

// Inter-note links are carried in the text as [[<note-uuid>]]; display
// titles resolve through the cache's link index, never by reference.
var linkPattern = regexp.MustCompile(`\[\[([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\]\]`)

// Title returns the first non-whitespace line of text, or "Untitled" if
// the document contains only whitespace. Truncation for display is a
// presentation-layer concern, out of scope here.
func Title(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}

	return "Untitled"
}

// ContentPreview skips the title line and any empty lines, returning the
// first 200 characters of what remains.
func ContentPreview(text string) string {
	lines := strings.Split(text, "\n")

	// Skip everything up to and including the title line (the first
	// non-whitespace line), so leading blank lines never push the title
	// into the preview.
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			lines = lines[i+1:]
			break
		}
	}

	var b strings.Builder

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(line)
	}

	preview := []rune(b.String())
	if len(preview) > contentPreviewLen {
		preview = preview[:contentPreviewLen]
	}

	return string(preview)
}

// ExtractLinks returns the set of note ids referenced by [[uuid]] links
// in text, deduplicated, normalized to lowercase, in first-seen order.
func ExtractLinks(text string) []string {
	matches := linkPattern.FindAllStringSubmatch(text, -1)

	seen := make(map[string]bool, len(matches))

	var links []string

	for _, m := range matches {
		id := strings.ToLower(m[1])
		if !seen[id] {
			seen[id] = true
			links = append(links, id)
		}
	}

	return links
}

// ExtractTags returns the set of #tags in text, deduplicated and
// normalized to lowercase, matching pattern #<letter><letter|digit|_>{0,49}
// case-insensitively.
func ExtractTags(text string) []string {
	matches := tagPattern.FindAllString(text, -1)

	seen := make(map[string]bool, len(matches))

	var tags []string

	for _, m := range matches {
		tag := strings.ToLower(strings.TrimPrefix(m, "#"))
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	return tags
}
