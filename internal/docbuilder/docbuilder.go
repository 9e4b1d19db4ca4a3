// Package docbuilder packs a story and its comment tree into token-bounded
// document parts suitable for embedding. Grounded on create_documents and
// story_header in embeddings/embedder.py.
package docbuilder

import (
	"html"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hnsearch/hnsearch/internal/storage"
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// CleanText strips HTML tags, normalizes line endings and unescapes HTML
// entities, matching clean_text in the Python original.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = tagPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return html.UnescapeString(text)
}

// Builder packs a story's discussion into parts bounded by a token budget.
type Builder struct {
	tokenLimit int
	enc        *tiktoken.Tiktoken
}

// NewBuilder constructs a Builder with the given per-part token budget.
// tokenLimit mirrors TOKEN_LIMIT in the Python original (1024). Tokens are
// always counted with the cl100k_base encoding; an error loading it is
// returned to the caller.
func NewBuilder(tokenLimit int) (*Builder, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &Builder{tokenLimit: tokenLimit, enc: enc}, nil
}

func (b *Builder) tokenCount(s string) int {
	return len(b.enc.Encode(s, nil, nil))
}

// commentNode is the minimal shape the packer walks; storage.CommentNode
// is adapted into this tree-friendly form by BuildDocuments.
type commentNode struct {
	id     int64
	parent int64
	text   string
}

// Header returns the document header for a story, or ("", false) when both
// title and text are empty — the zero-parts edge case from story_header.
func Header(title, text string) (string, bool) {
	cleanTitle := CleanText(title)
	cleanText := CleanText(text)
	if cleanTitle == "" && cleanText == "" {
		return "", false
	}
	var b strings.Builder
	b.WriteString("Topic: ")
	b.WriteString(cleanTitle)
	b.WriteString("\n")
	if cleanText != "" {
		b.WriteString(cleanText)
		b.WriteString("\n")
	}
	b.WriteString("Discussion:\n")
	return b.String(), true
}

// filterDeadFlagged drops comments whose raw text still carries the
// upstream [dead]/[flagged] placeholders, matching filter_comments.
func filterDeadFlagged(nodes []storage.CommentNode) []storage.CommentNode {
	out := nodes[:0:0]
	for _, n := range nodes {
		if strings.Contains(n.Text, "[dead]") || strings.Contains(n.Text, "[flagged]") {
			continue
		}
		out = append(out, n)
	}
	return out
}

// groupLine is one rendered line of a top-level comment's BFS group: the
// comment's own indentation level and cleaned text.
type groupLine struct {
	level int
	text  string
}

func (l groupLine) render() string {
	return strings.Repeat("\t", l.level) + l.text + "\n"
}

// bfsGroup walks a top-level comment's subtree breadth-first, emitting one
// line per non-dead/flagged comment in display order, matching §4.3 rule 3.
func bfsGroup(byParent map[int64][]commentNode, top commentNode) []groupLine {
	lines := []groupLine{{level: 0, text: top.text}}
	type queued struct {
		level int
		node  commentNode
	}
	queue := []queued{{level: 0, node: top}}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		for _, child := range byParent[head.node.id] {
			lines = append(lines, groupLine{level: head.level + 1, text: child.text})
			queue = append(queue, queued{level: head.level + 1, node: child})
		}
	}
	return lines
}

func groupText(lines []groupLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.render())
	}
	return b.String()
}

// BuildDocuments packs a story and its comment subtree into one or more
// document parts. Returns nil if the story has neither a title nor text
// (the zero-parts case) — callers must not embed an empty document.
//
// Rule 3/4 of the document-builder spec: top-level comments are walked in
// display order, each one's entire BFS subtree forms a "group". The packer
// tries to append a whole group to the current part; if the group doesn't
// fit, it flushes and opens a new part (header repeated). If the group
// still doesn't fit in a fresh part, it is emitted line by line, and every
// time a new part must start mid-group, the group's top-level comment is
// re-emitted first so each part reads as a self-contained excerpt, with
// the line that caused the split re-based to indent level 1.
func (b *Builder) BuildDocuments(story storage.StoryDoc, comments []storage.CommentNode) []string {
	header, ok := Header(story.Title, story.Text)
	if !ok {
		return nil
	}

	comments = filterDeadFlagged(comments)

	byParent := make(map[int64][]commentNode)
	for _, c := range comments {
		key := parentOrZero(c, story.ID)
		byParent[key] = append(byParent[key], commentNode{
			id: c.ID, parent: c.Parent, text: CleanText(c.Text),
		})
	}

	var parts []string
	current := header

	for _, top := range byParent[story.ID] {
		group := bfsGroup(byParent, top)
		text := groupText(group)

		if b.tokenCount(current)+b.tokenCount(text) <= b.tokenLimit {
			current += text
			continue
		}

		parts = append(parts, current)
		current = header

		if b.tokenCount(current)+b.tokenCount(text) <= b.tokenLimit {
			current += text
			continue
		}

		current = b.packGroupAcrossParts(&parts, current, header, group)
	}

	parts = append(parts, current)
	return parts
}

// packGroupAcrossParts emits a group that doesn't fit in a single fresh
// part line by line, splitting into further parts as needed and re-basing
// the split point per rule 4. Returns the (possibly new) current part;
// completed parts are appended to *parts in place.
func (b *Builder) packGroupAcrossParts(parts *[]string, current, header string, group []groupLine) string {
	for i, line := range group {
		rendered := line.render()
		tokens := b.tokenCount(rendered)
		if tokens > b.tokenLimit {
			// A single line that still exceeds the budget is skipped.
			continue
		}
		if b.tokenCount(current)+tokens <= b.tokenLimit {
			current += rendered
			continue
		}

		*parts = append(*parts, current)
		current = header

		if i != 0 {
			top := group[0].render()
			if b.tokenCount(current)+b.tokenCount(top) <= b.tokenLimit {
				current += top
			}
			line = groupLine{level: 1, text: line.text}
			rendered = line.render()
			tokens = b.tokenCount(rendered)
		}
		if b.tokenCount(current)+tokens <= b.tokenLimit {
			current += rendered
		}
	}
	return current
}

func parentOrZero(c storage.CommentNode, storyID int64) int64 {
	if c.Parent == 0 {
		return storyID
	}
	return c.Parent
}
