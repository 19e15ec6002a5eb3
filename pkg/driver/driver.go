// Package driver defines the document automation boundary. A Driver opens a
// document into a Session; the session exposes read access to paragraphs,
// annotations, styles, TOC fields and hyperlinks, plus the mutation
// primitives the executor dispatches to. Sessions are single-threaded by
// contract; concurrent use of one session is forbidden.
package driver

import (
	"context"

	"github.com/margo-ai/margo/pkg/document"
)

// StyleType is the driver's numeric style classification, mirroring the
// office automation model (1 paragraph, 2 character, 3 table, 4 list).
type StyleType int

const (
	StyleTypeParagraph StyleType = 1
	StyleTypeCharacter StyleType = 2
	StyleTypeTable     StyleType = 3
	StyleTypeList      StyleType = 4
)

// Paragraph is one paragraph with its style and position.
type Paragraph struct {
	Index        int
	Text         string
	StyleName    string
	OutlineLevel int
	Range        document.Range
}

// Annotation is a raw reviewer comment as the driver sees it.
type Annotation struct {
	ID         string
	Author     string
	Page       int
	AnchorText string
	Text       string
	Range      document.Range
}

// StyleDef is a style definition with the driver's numeric type.
type StyleDef struct {
	Name    string
	Type    StyleType
	BuiltIn bool
	InUse   bool
}

// TocField is one table-of-contents field with its level bounds and the
// entries it currently renders.
type TocField struct {
	UpperLevel int
	LowerLevel int
	Range      document.Range
	Entries    []document.TocEntry
}

// Hyperlink is a link field as the driver sees it.
type Hyperlink struct {
	Text    string
	Address string
	Range   document.Range
}

// Driver opens documents.
type Driver interface {
	// Open acquires a session on the document at path. The caller must
	// Close the session on all exit paths.
	Open(ctx context.Context, path string) (Session, error)
}

// Session is a live handle on one open document.
type Session interface {
	Path() string

	// Read access.
	Text() (string, error)
	Paragraphs() ([]Paragraph, error)
	Annotations() ([]Annotation, error)
	Styles() ([]StyleDef, error)
	TocFields() ([]TocField, error)
	Hyperlinks() ([]Hyperlink, error)
	PageCount() (int, error)
	WordCount() (int, error)
	Bookmark(name string) (document.Range, bool, error)

	// Mutations. Ranges are half-open character offsets into Text().
	AddBookmark(name string, r document.Range) error
	ReplaceText(r document.Range, text string) error
	InsertAfter(r document.Range, text string) error
	DeleteRange(r document.Range) error
	SetParagraphStyle(r document.Range, styleName string) error
	SetHyperlinkAddress(r document.Range, address string) error
	AddTocField(r document.Range, upper, lower int) error
	DeleteTocFields() error
	SetTocLevels(upper, lower int) error
	RefreshTocNumbers() error
	ApplyTemplate(name string) error
	HasTemplate(name string) bool

	// Persistence.
	Save() error
	SaveAs(path string) error
	// Close releases the session without saving.
	Close() error
	// Reopen re-reads the file from disk, discarding in-memory state. Used
	// after an external restore of the backing file.
	Reopen() error
}
