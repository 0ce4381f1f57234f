// Package feedback manages the operator feedback file.
//
// Feedback is a markdown document shared between looper and anything else
// that wants to leave notes for the subagent while a run is in progress:
//
//	# Looper Feedback
//
//	## [open] 3f2a9c1d 2026-10-17T09:30:00Z
//	Stop touching the generated files under api/.
//
// Writers take a cross-process lock on <file>.lock and replace the file
// atomically. Readers walk the markdown AST, so fenced code inside an entry
// body can contain heading-like lines without splitting the entry.
package feedback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/looper/internal/filelock"
)

// Status of a feedback entry.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// ErrNotFound is returned by Resolve for an unknown ID.
var ErrNotFound = errors.New("feedback entry not found")

const header = "# Looper Feedback\n"

var headingRegex = regexp.MustCompile(`^\[(open|resolved)\]\s+(\S+)\s+(\S+)$`)

// Entry is one feedback note.
type Entry struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	Body      string

	lineStart int // offset of the heading line
	lineEnd   int // offset just past the heading line
}

// Store reads and writes one feedback file.
type Store struct {
	path     string
	markdown goldmark.Markdown
	now      func() time.Time
}

// NewStore returns a store for the file at path. The file is created on
// first write.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		markdown: goldmark.New(),
		now:      time.Now,
	}
}

// Path returns the feedback file path.
func (s *Store) Path() string { return s.path }

// Add appends an open entry with body and returns it.
func (s *Store) Add(ctx context.Context, body string) (Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Entry{}, errors.New("feedback body cannot be empty")
	}
	e := Entry{
		ID:        uuid.NewString()[:8],
		Status:    StatusOpen,
		CreatedAt: s.now().UTC().Truncate(time.Second),
		Body:      body,
	}

	err := filelock.Update(ctx, s.path, func(current []byte) ([]byte, error) {
		var buf bytes.Buffer
		if len(bytes.TrimSpace(current)) == 0 {
			buf.WriteString(header)
		} else {
			buf.Write(bytes.TrimRight(current, "\n"))
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "\n## [%s] %s %s\n%s\n", e.Status, e.ID, e.CreatedAt.Format(time.RFC3339), e.Body)
		return buf.Bytes(), nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("add feedback: %w", err)
	}
	return e, nil
}

// List returns every entry in file order.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	data, err := filelock.ReadLocked(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("read feedback: %w", err)
	}
	return s.parse(data)
}

// Open returns the entries that are not resolved.
func (s *Store) Open(ctx context.Context) ([]Entry, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var open []Entry
	for _, e := range all {
		if e.Status == StatusOpen {
			open = append(open, e)
		}
	}
	return open, nil
}

// Resolve marks the entry whose ID starts with id as resolved.
func (s *Store) Resolve(ctx context.Context, id string) (Entry, error) {
	if id == "" {
		return Entry{}, fmt.Errorf("resolve feedback: %w", ErrNotFound)
	}
	var resolved Entry
	err := filelock.Update(ctx, s.path, func(current []byte) ([]byte, error) {
		entries, err := s.parse(current)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.ID, id) {
				continue
			}
			e.Status = StatusResolved
			resolved = e
			line := fmt.Sprintf("## [%s] %s %s\n", e.Status, e.ID, e.CreatedAt.Format(time.RFC3339))
			var buf bytes.Buffer
			buf.Write(current[:e.lineStart])
			buf.WriteString(line)
			buf.Write(current[e.lineEnd:])
			return buf.Bytes(), nil
		}
		return nil, ErrNotFound
	})
	if err != nil {
		return Entry{}, fmt.Errorf("resolve feedback %s: %w", id, err)
	}
	return resolved, nil
}

// parse walks the document and turns every level-2 heading of the form
// "[status] id timestamp" into an entry whose body is the source between
// it and the next level-2 heading.
func (s *Store) parse(source []byte) ([]Entry, error) {
	if len(source) == 0 {
		return nil, nil
	}
	doc := s.markdown.Parser().Parse(text.NewReader(source))

	var entries []Entry
	var bodyStarts []int
	var headingStarts []int

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 2 || heading.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := heading.Lines().At(0)
		lineStart := bytes.LastIndexByte(source[:seg.Start], '\n') + 1
		lineEnd := len(source)
		if i := bytes.IndexByte(source[seg.Stop:], '\n'); i >= 0 {
			lineEnd = seg.Stop + i + 1
		}
		headingStarts = append(headingStarts, lineStart)

		m := headingRegex.FindStringSubmatch(strings.TrimSpace(extractText(heading, source)))
		if m == nil {
			bodyStarts = append(bodyStarts, -1)
			entries = append(entries, Entry{})
			return ast.WalkSkipChildren, nil
		}
		created, err := time.Parse(time.RFC3339, m[3])
		if err != nil {
			return ast.WalkStop, fmt.Errorf("feedback entry %s: invalid timestamp %q", m[2], m[3])
		}
		entries = append(entries, Entry{
			ID:        m[2],
			Status:    Status(m[1]),
			CreatedAt: created,
			lineStart: lineStart,
			lineEnd:   lineEnd,
		})
		bodyStarts = append(bodyStarts, lineEnd)
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i, e := range entries {
		if bodyStarts[i] < 0 {
			continue
		}
		end := len(source)
		if i+1 < len(headingStarts) {
			end = headingStarts[i+1]
		}
		e.Body = strings.TrimSpace(string(source[bodyStarts[i]:end]))
		out = append(out, e)
	}
	return out, nil
}

func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		}
	}
	return buf.String()
}
