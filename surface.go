// ghostline/surface.go
// Surface: the engine's view of one editable text buffer.
package ghostline

import (
	"fmt"
	"sync"
)

// Surface is a host-owned text buffer the engine completes into. Hosts keep
// the buffer and cursor current; the engine only ever reads windows around
// the cursor and applies accepted suggestions through Replace.
type Surface interface {
	ID() string
	Path() string
	Language() string
	CursorOffset() int
	// Window returns up to size bytes of text on each side of offset.
	Window(offset, size int) (prefix, suffix string)
	// Replace substitutes rng with text and returns the new cursor offset.
	Replace(rng Range, text string) (int, error)
}

// MemorySurface is a Surface backed by an in-memory string. The RPC bridge
// and the CLI both build on it.
type MemorySurface struct {
	id       string
	path     string
	language string

	mu     sync.RWMutex
	text   string
	cursor int
}

// NewMemorySurface builds a surface with the cursor at offset.
func NewMemorySurface(id, path, language, text string, offset int) *MemorySurface {
	s := &MemorySurface{id: id, path: path, language: language, text: text}
	s.cursor = clampOffset(offset, len(text))
	return s
}

func (s *MemorySurface) ID() string       { return s.id }
func (s *MemorySurface) Path() string     { return s.path }
func (s *MemorySurface) Language() string { return s.language }

func (s *MemorySurface) CursorOffset() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// Text returns the full buffer contents.
func (s *MemorySurface) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// SetText replaces the buffer and moves the cursor.
func (s *MemorySurface) SetText(text string, cursor int) {
	s.mu.Lock()
	s.text = text
	s.cursor = clampOffset(cursor, len(text))
	s.mu.Unlock()
}

// MoveCursor repositions the cursor without changing the text.
func (s *MemorySurface) MoveCursor(offset int) {
	s.mu.Lock()
	s.cursor = clampOffset(offset, len(s.text))
	s.mu.Unlock()
}

func (s *MemorySurface) Window(offset, size int) (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset = clampOffset(offset, len(s.text))
	start := offset - size
	if start < 0 {
		start = 0
	}
	end := offset + size
	if end > len(s.text) {
		end = len(s.text)
	}
	return s.text[start:offset], s.text[offset:end]
}

func (s *MemorySurface) Replace(rng Range, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rng.Start < 0 || rng.End < rng.Start || rng.End > len(s.text) {
		return s.cursor, fmt.Errorf("%w: [%d,%d) in %d bytes", ErrInvalidOffset, rng.Start, rng.End, len(s.text))
	}
	s.text = s.text[:rng.Start] + text + s.text[rng.End:]
	s.cursor = rng.Start + len(text)
	return s.cursor, nil
}

func clampOffset(offset, max int) int {
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}
