package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
)

// Outline is books/{book}/{version}/outline.json, written by the authoring side before generation
// is enqueued. Its order is the generation order.
type Outline struct {
	Title    string           `json:"title"`
	Audience string           `json:"audience,omitempty"`
	Chapters []ChapterOutline `json:"chapters"`
}

type ChapterOutline struct {
	Title    string           `json:"title"`
	Summary  string           `json:"summary,omitempty"`
	Sections []SectionOutline `json:"sections"`
}

type SectionOutline struct {
	Title string   `json:"title"`
	Goals []string `json:"goals,omitempty"`
}

// ReadOutline loads and validates the outline of a book version. A missing or malformed outline is a
// permanent error; storage failures are returned as they are so they retry.
func ReadOutline(ctx context.Context, store gcp.ArtifactStore, bookID, versionID string) (*Outline, error) {
	path := OutlinePath(bookID, versionID)
	raw, err := store.Download(ctx, path)
	if errors.Is(err, gcp.ErrObjectNotFound) {
		return nil, types.Permanent("outline %s does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("download outline: %w", err)
	}
	var o Outline
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, types.Permanent("outline %s is malformed: %v", path, err)
	}
	if len(o.Chapters) == 0 {
		return nil, types.Permanent("outline %s has no chapters", path)
	}
	return &o, nil
}

// Chapter returns the outline of one chapter.
func (o *Outline) Chapter(index int) (ChapterOutline, error) {
	if index < 0 || index >= len(o.Chapters) {
		return ChapterOutline{}, types.Permanent("chapter %d not in outline (%d chapters)", index, len(o.Chapters))
	}
	ch := o.Chapters[index]
	if len(ch.Sections) == 0 {
		return ChapterOutline{}, types.Permanent("chapter %d has no sections", index)
	}
	return ch, nil
}

// Section returns the outline entry of one section, or an empty entry when the index is out of range.
func (o *Outline) Section(chapter, section int) SectionOutline {
	if chapter < 0 || chapter >= len(o.Chapters) {
		return SectionOutline{}
	}
	secs := o.Chapters[chapter].Sections
	if section < 0 || section >= len(secs) {
		return SectionOutline{}
	}
	return secs[section]
}

// Encode renders the outline the way ReadOutline expects it.
func (o *Outline) Encode() ([]byte, error) {
	return json.MarshalIndent(o, "", "  ")
}

// SectionTitles lists section titles of a chapter for prompts.
func (c ChapterOutline) SectionTitles() string {
	titles := make([]string, 0, len(c.Sections))
	for i, s := range c.Sections {
		titles = append(titles, fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(s.Title)))
	}
	return strings.Join(titles, "\n")
}
