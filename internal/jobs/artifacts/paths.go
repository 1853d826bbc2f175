// Package artifacts names the storage layout of a generated book and reads its outline.
package artifacts

import (
	"fmt"
	"strings"
)

func bookPrefix(bookID, versionID string) string {
	return fmt.Sprintf("books/%s/%s/", strings.TrimSpace(bookID), strings.TrimSpace(versionID))
}

func OutlinePath(bookID, versionID string) string {
	return bookPrefix(bookID, versionID) + "outline.json"
}

func ChapterPrefix(bookID, versionID string, chapter int) string {
	return fmt.Sprintf("%schapters/%d/", bookPrefix(bookID, versionID), chapter)
}

func SectionPath(bookID, versionID string, chapter, section int) string {
	return fmt.Sprintf("%ssections/%d.md", ChapterPrefix(bookID, versionID, chapter), section)
}

// SectionsPrefix lists every section artifact of a book version.
func SectionsPrefix(bookID, versionID string) string {
	return bookPrefix(bookID, versionID) + "chapters/"
}

func IndexPath(bookID, versionID string) string {
	return bookPrefix(bookID, versionID) + "index.md"
}

func GlossaryPath(bookID, versionID string) string {
	return bookPrefix(bookID, versionID) + "glossary.md"
}
