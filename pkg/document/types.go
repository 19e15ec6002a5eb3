// Package document holds the value types shared across the pipeline:
// annotations, structure snapshots, tasks, plans, and run reports.
package document

import (
	"time"
)

// Range is a half-open character range [Start, End) within the document
// body text.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of characters covered by the range.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Overlaps reports whether two half-open ranges share at least one position.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Annotation is a reviewer comment anchored to a text range. Annotations are
// created during inspection and immutable for the rest of the run.
type Annotation struct {
	ID         string `json:"id"`
	Author     string `json:"author"`
	Page       int    `json:"page"`
	AnchorText string `json:"anchor_text"`
	Text       string `json:"text"`
	Range      Range  `json:"range"`
}

// Heading is a paragraph styled as a heading, with its inferred outline
// level (1-9).
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Style string `json:"style"`
	Range Range  `json:"range"`
}

// StyleKind classifies a style definition.
type StyleKind string

const (
	StyleParagraph StyleKind = "paragraph"
	StyleCharacter StyleKind = "character"
	StyleTable     StyleKind = "table"
	StyleList      StyleKind = "list"
)

// Style describes a style definition in the document.
type Style struct {
	Name    string    `json:"name"`
	Kind    StyleKind `json:"kind"`
	BuiltIn bool      `json:"built_in"`
	InUse   bool      `json:"in_use"`
}

// TocEntry is a single table-of-contents line.
type TocEntry struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Page  int    `json:"page"`
	Range Range  `json:"range"`
}

// LinkKind classifies a hyperlink target.
type LinkKind string

const (
	LinkWeb      LinkKind = "web"
	LinkEmail    LinkKind = "email"
	LinkFile     LinkKind = "file"
	LinkInternal LinkKind = "internal"
)

// Hyperlink is a link field with its display text and resolved address.
type Hyperlink struct {
	Text    string   `json:"text"`
	Address string   `json:"address"`
	Kind    LinkKind `json:"kind"`
	Range   Range    `json:"range"`
}

// Structure is an immutable snapshot of the format-relevant skeleton of a
// document. Two Structures taken from identical documents compare equal.
type Structure struct {
	Headings   []Heading   `json:"headings"`
	Styles     []Style     `json:"styles"`
	TocEntries []TocEntry  `json:"toc_entries"`
	Hyperlinks []Hyperlink `json:"hyperlinks"`
	PageCount  int         `json:"page_count"`
	WordCount  int         `json:"word_count"`
}

// DocumentSnapshot pairs a structure snapshot with the annotation list and a
// content checksum, taken at a known time.
type DocumentSnapshot struct {
	Timestamp   time.Time    `json:"timestamp"`
	Path        string       `json:"path"`
	Structure   Structure    `json:"structure"`
	Annotations []Annotation `json:"annotations"`
	Checksum    string       `json:"checksum"`
}

// ClassifyLink derives the link kind from an address.
func ClassifyLink(address string) LinkKind {
	switch {
	case hasPrefixFold(address, "http://"), hasPrefixFold(address, "https://"):
		return LinkWeb
	case hasPrefixFold(address, "mailto:"):
		return LinkEmail
	case hasPrefixFold(address, "file://"), hasPrefixFold(address, "\\\\"):
		return LinkFile
	default:
		return LinkInternal
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
