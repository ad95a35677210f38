package note

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/fsutil"
	"github.com/hpungsan/insight/internal/logger"
)

const maxFilenameChars = 200

const dateLayout = "2006-01-02 15:04:05"

// Frontmatter is the YAML header of a written note.
type Frontmatter struct {
	Title       string   `yaml:"title"`
	Author      string   `yaml:"author"`
	Source      string   `yaml:"source"`
	Category    string   `yaml:"category"`
	Tags        []string `yaml:"tags,flow"`
	BookmarkID  string   `yaml:"bookmark_id"`
	TweetDate   string   `yaml:"tweet_date"`
	ProcessedAt string   `yaml:"processed_at"`
}

// Writer renders notes into a directory of markdown files.
type Writer struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	// mu serializes the owner check with the write so two items sharing a
	// title cannot both claim the base name.
	mu sync.Mutex
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string, l *slog.Logger) *Writer {
	return &Writer{
		dir:    dir,
		logger: logger.OrDiscard(l).With("component", "writer"),
		now:    time.Now,
	}
}

// Write renders n with context from a and returns the written path. The file
// is named after the title; if that name belongs to another bookmark the id
// is appended. Rewriting the same bookmark replaces its file.
func (w *Writer) Write(n *Note, a *capture.Artifact) (string, error) {
	data, err := w.Render(n, a)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	base := SanitizeFilename(n.Title)
	path := filepath.Join(w.dir, base+".md")
	if owner, ok := w.owner(path); ok && owner != a.ItemID {
		path = filepath.Join(w.dir, fmt.Sprintf("%s - %s.md", base, SanitizeFilename(a.ItemID)))
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	w.logger.Info("wrote note", "item_id", a.ItemID, "path", path, "category", n.Category)
	return path, nil
}

// owner returns the bookmark id recorded in an existing note at path.
// A file without parseable frontmatter belongs to nobody we know.
func (w *Writer) owner(path string) (string, bool) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return "", false
	}
	fm, _, err := SplitFrontmatter(data)
	if err != nil || fm == nil {
		return "", true
	}
	return fm.BookmarkID, true
}

// Render produces the markdown document for n.
func (w *Writer) Render(n *Note, a *capture.Artifact) ([]byte, error) {
	fm := Frontmatter{
		Title:       n.Title,
		Author:      "@" + a.AuthorUsername,
		Source:      a.SourceURL,
		Category:    string(n.Category),
		Tags:        n.Tags,
		BookmarkID:  a.ItemID,
		TweetDate:   a.CreatedAt.Format(dateLayout),
		ProcessedAt: w.now().Format(dateLayout),
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("render frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", n.Title)

	for _, s := range n.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Heading, strings.TrimSpace(s.Content))
	}

	if !isPlaceholder(n.OriginalContent) {
		fmt.Fprintf(&b, "## Original Content\n\n%s\n\n", strings.TrimSpace(n.OriginalContent))
	}

	var sources []capture.ResolvedLink
	for _, l := range a.Links {
		if l.FetchError == "" {
			sources = append(sources, l)
		}
	}
	if len(sources) > 0 {
		b.WriteString("## Sources\n\n")
		for _, l := range sources {
			title := l.Title
			if title == "" {
				title = l.ResolvedURL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", title, l.ResolvedURL)
		}
		b.WriteString("\n")
	}

	if len(a.Images) > 0 {
		b.WriteString("## Media\n\n")
		for _, img := range a.Images {
			fmt.Fprintf(&b, "![](%s)\n", img.URL)
		}
		b.WriteString("\n")
	}

	return append(bytes.TrimRight(b.Bytes(), "\n"), '\n'), nil
}

// SplitFrontmatter separates a leading YAML block from the body.
// fm is nil when data has no frontmatter.
func SplitFrontmatter(data []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, data, nil
	}
	rest := data[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data, errors.New("unterminated frontmatter")
	}
	fm := &Frontmatter{}
	if err := yaml.Unmarshal(rest[:end], fm); err != nil {
		return nil, data, fmt.Errorf("parse frontmatter: %w", err)
	}
	body := rest[end+len("\n---"):]
	return fm, bytes.TrimLeft(body, "\n"), nil
}

var (
	invalidFilenameChars = regexp.MustCompile(`[/\\:*?"<>|]`)
	filenameSpaces       = regexp.MustCompile(`[\s_]+`)
)

// SanitizeFilename turns a title into a portable file name without extension.
func SanitizeFilename(title string) string {
	s := invalidFilenameChars.ReplaceAllString(title, "")
	s = filenameSpaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFilenameChars {
		s = string([]rune(s)[:maxFilenameChars])
		if i := strings.LastIndex(s, " "); i > 0 {
			s = s[:i]
		}
	}
	if s == "" {
		return "untitled"
	}
	return s
}
