package handlers

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/artifacts"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
)

// previousContextChars bounds how much of the previous section is fed back for continuity.
const previousContextChars = 6000

type SectionHandler struct {
	deps Deps
}

func NewSectionHandler(deps Deps) *SectionHandler {
	d := deps.withDefaults()
	d.Log = d.Log.With("handler", "Section")
	return &SectionHandler{deps: d}
}

func (h *SectionHandler) Type() types.JobType { return types.JobTypeSection }

func (h *SectionHandler) Run(jc *jobrt.Context) error {
	p, err := identity(jc)
	if err != nil {
		return report(jc, "decode", err)
	}
	if p.ChapterIndex == nil || p.SectionIndex == nil {
		return report(jc, "decode", types.Permanent("section job %s has no chapterIndex/sectionIndex", jc.Job.ID))
	}
	chapter, section := *p.ChapterIndex, *p.SectionIndex

	if err := jc.Progress("loading_context", ""); err != nil {
		return err
	}
	outline, err := artifacts.ReadOutline(jc.Ctx, h.deps.Artifacts, p.BookID, p.BookVersionID)
	if err != nil {
		return report(jc, "loading_context", err)
	}
	ch, err := outline.Chapter(chapter)
	if err != nil {
		return report(jc, "loading_context", err)
	}
	if section >= len(ch.Sections) {
		return report(jc, "loading_context", types.Permanent("section %d not in outline of chapter %d", section, chapter))
	}
	previous, err := h.previousSection(jc, p.BookID, p.BookVersionID, chapter, section)
	if err != nil {
		return report(jc, "loading_context", err)
	}

	text, err := generate(jc, h.deps, sectionPrompt(outline, ch, chapter, section, previous))
	if err != nil {
		return report(jc, "generating", err)
	}

	path := artifacts.SectionPath(p.BookID, p.BookVersionID, chapter, section)
	if err := jc.Progress("uploading", path); err != nil {
		return err
	}
	if err := h.deps.Artifacts.Upload(jc.Ctx, path, []byte(text+"\n")); err != nil {
		return report(jc, "uploading", fmt.Errorf("upload %s: %w", path, err))
	}
	p.Runtime.ArtifactPath = path
	return jc.Succeed("done")
}

// previousSection returns the tail of the section before this one. Section 0 has none; a missing
// previous artifact means the chapter was not generated in order and the job fails.
func (h *SectionHandler) previousSection(jc *jobrt.Context, bookID, versionID string, chapter, section int) (string, error) {
	if section == 0 {
		return "", nil
	}
	path := artifacts.SectionPath(bookID, versionID, chapter, section-1)
	raw, err := h.deps.Artifacts.Download(jc.Ctx, path)
	if errors.Is(err, gcp.ErrObjectNotFound) {
		return "", fmt.Errorf("previous section %s missing", path)
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	return tail(text, previousContextChars), nil
}

// tail returns at most the last n bytes of text, starting on a rune boundary.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	start := len(text) - n
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}

func sectionPrompt(o *artifacts.Outline, ch artifacts.ChapterOutline, chapter, section int, previous string) prompt {
	sec := ch.Sections[section]
	var u strings.Builder
	fmt.Fprintf(&u, "Book: %s\n", strings.TrimSpace(o.Title))
	if o.Audience != "" {
		fmt.Fprintf(&u, "Audience: %s\n", o.Audience)
	}
	fmt.Fprintf(&u, "Chapter %d: %s\n", chapter+1, strings.TrimSpace(ch.Title))
	if ch.Summary != "" {
		fmt.Fprintf(&u, "Chapter summary: %s\n", ch.Summary)
	}
	fmt.Fprintf(&u, "\nSections of this chapter:\n%s\n", ch.SectionTitles())
	fmt.Fprintf(&u, "\nWrite section %d: %s\n", section+1, strings.TrimSpace(sec.Title))
	for _, g := range sec.Goals {
		fmt.Fprintf(&u, "- %s\n", g)
	}
	if previous != "" {
		fmt.Fprintf(&u, "\nThe previous section ends with:\n<<<\n%s\n>>>\nContinue from it without repeating it.\n", previous)
	}
	return prompt{
		system: "Write one section of a book chapter in Markdown, starting with a level-2 heading.",
		user:   u.String(),
		mode:   "markdown",
	}
}
