// Package runbooks turns a folder of markdown runbooks into indexed chunks.
package runbooks

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chunking defaults
const (
	DefaultMaxChars = 2400
	DefaultOverlap  = 200
)

// Chunk is one piece of a parsed document
type Chunk struct {
	Index   int
	Title   string
	Content string
}

// FrontMatter is the optional YAML header of a runbook
type FrontMatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// Document is a parsed runbook
type Document struct {
	Meta   FrontMatter
	Title  string
	Body   string
	Chunks []Chunk
}

// SplitFrontMatter separates a leading "---" delimited YAML block from the
// markdown body. Content without front matter is returned unchanged.
func SplitFrontMatter(content []byte) (FrontMatter, string, error) {
	var meta FrontMatter
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return meta, text, nil
	}

	// search from the opening newline so an empty header still closes
	rest := text[len("---"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, text, nil
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(strings.TrimLeft(body, "-"), "\n")

	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return meta, text, fmt.Errorf("failed to parse front matter: %w", err)
	}
	return meta, body, nil
}

// ExtractTitle returns the text of the first markdown heading
func ExtractTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// splitParagraphs splits on blank lines, dropping empty paragraphs
func splitParagraphs(body string) []string {
	var paragraphs []string
	var buf []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(buf, "\n")); p != "" {
			paragraphs = append(paragraphs, p)
		}
		buf = buf[:0]
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return paragraphs
}

// ChunkMarkdown packs paragraphs into chunks of at most maxChars. Every chunk
// after the first is prefixed with the last overlap characters of the chunk
// before it. A single paragraph longer than maxChars becomes its own chunk.
func ChunkMarkdown(body, title string, maxChars, overlap int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 {
		overlap = 0
	}

	var packed []string
	current := ""
	for _, para := range splitParagraphs(body) {
		switch {
		case current == "":
			current = para
		case len(current)+len(para)+2 <= maxChars:
			current = current + "\n\n" + para
		default:
			packed = append(packed, current)
			current = para
		}
	}
	if current != "" {
		packed = append(packed, current)
	}

	chunks := make([]Chunk, len(packed))
	for i, content := range packed {
		if i > 0 && overlap > 0 {
			prev := packed[i-1]
			if len(prev) > overlap {
				prev = prev[len(prev)-overlap:]
			}
			content = prev + "\n" + content
		}
		chunks[i] = Chunk{Index: i, Title: title, Content: content}
	}
	return chunks
}

// Parse reads front matter, picks a title and chunks the body. fallbackTitle
// is used when neither front matter nor a heading names the document.
func Parse(content []byte, fallbackTitle string) (*Document, error) {
	meta, body, err := SplitFrontMatter(content)
	if err != nil {
		return nil, err
	}
	title := meta.Title
	if title == "" {
		title = ExtractTitle(body)
	}
	if title == "" {
		title = fallbackTitle
	}
	return &Document{
		Meta:   meta,
		Title:  title,
		Body:   body,
		Chunks: ChunkMarkdown(body, title, DefaultMaxChars, DefaultOverlap),
	}, nil
}
