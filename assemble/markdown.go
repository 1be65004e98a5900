// Package assemble builds the deliverable bundle: per-unit fragments merged
// into one Markdown document in original order, a PDF rendered from it, and
// a zip archive of everything.
package assemble

import (
	"fmt"
	"sort"
	"strings"
)

// Fragment is one unit's contribution to the document. Failed fragments
// carry the error text instead of a description; they still occupy their
// slot so surrounding slides keep their numbering.
type Fragment struct {
	Index    int
	Filename string
	Body     string
	Failed   bool
}

// BuildMarkdown concatenates fragments by ascending index. Each unit gets a
// numbered heading, its slide image, and the description body, separated by
// horizontal rules. Models are asked to open with a "## <filename>" heading
// of their own; that duplicate is stripped so the document has one heading
// per slide.
func BuildMarkdown(fragments []Fragment) string {
	sorted := make([]Fragment, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var b strings.Builder
	for _, f := range sorted {
		body := strings.TrimSpace(f.Body)
		if f.Failed {
			body = fmt.Sprintf("**[분석 실패]** 오류가 발생했습니다: %s", body)
		} else if heading := "## " + f.Filename; strings.HasPrefix(body, heading) {
			body = strings.TrimSpace(strings.TrimPrefix(body, heading))
		}

		fmt.Fprintf(&b, "## Slide %d\n\n", f.Index+1)
		fmt.Fprintf(&b, "![%s](./images/%s)\n\n", f.Filename, f.Filename)
		b.WriteString(body)
		b.WriteString("\n\n---\n\n")
	}
	return b.String()
}

// BuildTranscriptMarkdown formats an audio job's result: the plain
// transcript under a heading named after the recording. The timestamped
// variant ships as a separate file in the archive.
func BuildTranscriptMarkdown(filename, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", filename)
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n")
	return b.String()
}
