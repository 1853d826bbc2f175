package handlers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/artifacts"
	jobrt "github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
)

const (
	// excerptChars is how much of each section the back matter prompt sees.
	excerptChars = 1500
	// digestChars bounds the whole prompt input.
	digestChars = 120000
)

// BackMatterHandler generates a book-level artifact (index or glossary) from every section of the book.
type BackMatterHandler struct {
	deps    Deps
	jobType types.JobType
	path    func(bookID, versionID string) string
	system  string
}

func NewIndexHandler(deps Deps) *BackMatterHandler {
	d := deps.withDefaults()
	d.Log = d.Log.With("handler", "Index")
	return &BackMatterHandler{
		deps:    d,
		jobType: types.JobTypeIndex,
		path:    artifacts.IndexPath,
		system: "Build the subject index of a book in Markdown. List key terms alphabetically, each followed " +
			"by the section references (chapter.section) where it is discussed.",
	}
}

func NewGlossaryHandler(deps Deps) *BackMatterHandler {
	d := deps.withDefaults()
	d.Log = d.Log.With("handler", "Glossary")
	return &BackMatterHandler{
		deps:    d,
		jobType: types.JobTypeGlossary,
		path:    artifacts.GlossaryPath,
		system: "Write the glossary of a book in Markdown. Define each technical term the book introduces " +
			"in one or two sentences, alphabetically.",
	}
}

func (h *BackMatterHandler) Type() types.JobType { return h.jobType }

func (h *BackMatterHandler) Run(jc *jobrt.Context) error {
	p, err := identity(jc)
	if err != nil {
		return report(jc, "decode", err)
	}
	if err := jc.Progress("loading_sections", ""); err != nil {
		return err
	}
	refs, err := h.sectionRefs(jc, p.BookID, p.BookVersionID)
	if err != nil {
		return report(jc, "loading_sections", err)
	}
	if len(refs) == 0 {
		return report(jc, "loading_sections", types.Permanent("book %s/%s has no section artifacts", p.BookID, p.BookVersionID))
	}
	digest, err := h.digest(jc, refs)
	if err != nil {
		return report(jc, "loading_sections", err)
	}

	text, err := generate(jc, h.deps, prompt{system: h.system, user: digest, mode: "list"})
	if err != nil {
		return report(jc, "generating", err)
	}
	path := h.path(p.BookID, p.BookVersionID)
	if err := jc.Progress("uploading", path); err != nil {
		return err
	}
	if err := h.deps.Artifacts.Upload(jc.Ctx, path, []byte(text+"\n")); err != nil {
		return report(jc, "uploading", fmt.Errorf("upload %s: %w", path, err))
	}
	p.Runtime.ArtifactPath = path
	return jc.Succeed("done")
}

type sectionRef struct {
	path    string
	chapter int
	section int
}

// sectionRefs lists section artifacts in reading order.
func (h *BackMatterHandler) sectionRefs(jc *jobrt.Context, bookID, versionID string) ([]sectionRef, error) {
	prefix := artifacts.SectionsPrefix(bookID, versionID)
	paths, err := h.deps.Artifacts.List(jc.Ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var refs []sectionRef
	for _, path := range paths {
		ref, ok := parseSectionPath(strings.TrimPrefix(path, prefix))
		if !ok {
			continue
		}
		ref.path = path
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].chapter != refs[j].chapter {
			return refs[i].chapter < refs[j].chapter
		}
		return refs[i].section < refs[j].section
	})
	return refs, nil
}

// parseSectionPath parses "{c}/sections/{s}.md".
func parseSectionPath(rel string) (sectionRef, bool) {
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[1] != "sections" || !strings.HasSuffix(parts[2], ".md") {
		return sectionRef{}, false
	}
	c, err := strconv.Atoi(parts[0])
	if err != nil {
		return sectionRef{}, false
	}
	s, err := strconv.Atoi(strings.TrimSuffix(parts[2], ".md"))
	if err != nil {
		return sectionRef{}, false
	}
	return sectionRef{chapter: c, section: s}, true
}

func (h *BackMatterHandler) digest(jc *jobrt.Context, refs []sectionRef) (string, error) {
	var b strings.Builder
	for _, ref := range refs {
		raw, err := h.deps.Artifacts.Download(jc.Ctx, ref.path)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", ref.path, err)
		}
		text := strings.TrimSpace(string(raw))
		if len(text) > excerptChars {
			text = text[:excerptChars]
		}
		entry := fmt.Sprintf("### Section %d.%d\n%s\n\n", ref.chapter+1, ref.section+1, text)
		if b.Len()+len(entry) > digestChars {
			h.deps.Log.Warn("back matter digest truncated", "job_id", jc.Job.ID, "sections", len(refs))
			break
		}
		b.WriteString(entry)
	}
	return b.String(), nil
}
