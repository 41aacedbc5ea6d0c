// Package chunk implements deterministic text segmentation with overlap and
// boundary snapping. Chunks carry their character offsets so they can be
// restarted from the original text.
package chunk

import (
	"strings"
)

// Config controls chunking behaviour.
type Config struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int
	// Overlap is the number of characters shared between consecutive
	// chunks. Must satisfy 0 <= Overlap < ChunkSize.
	Overlap int
	// RespectSentences snaps chunk ends to the last sentence terminator
	// inside the window.
	RespectSentences bool
	// RespectParagraphs prefers double-newline boundaries over sentence
	// boundaries.
	RespectParagraphs bool
	// MinChunkSize merges a trailing chunk shorter than this into its
	// predecessor. 0 disables.
	MinChunkSize int
}

// DefaultConfig returns the chunking defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        1000,
		Overlap:          100,
		RespectSentences: true,
	}
}

// Chunk is a contiguous substring of the input, addressed by character
// (rune) offsets: Text == input[Start:End] in rune terms.
type Chunk struct {
	Text     string
	Start    int
	End      int
	Index    int
	Metadata map[string]string
}

// Chunker splits text according to its configuration. The zero value is not
// usable; construct with New.
type Chunker struct {
	cfg Config
}

// New creates a chunker, normalising degenerate configuration: non-positive
// chunk size falls back to the default, and overlap is clamped below the
// chunk size.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = cfg.ChunkSize - 1
	}
	return &Chunker{cfg: cfg}
}

// Split segments text into ordered chunks, attaching metadata to each.
// Text no longer than the chunk size yields a single chunk. With zero
// overlap the chunks are disjoint and their concatenation is the input.
func (c *Chunker) Split(text string, metadata map[string]string) []Chunk {
	cur := c.Cursor(text, metadata)
	var out []Chunk
	for {
		ch, ok := cur.Next()
		if !ok {
			break
		}
		out = append(out, ch)
	}
	return out
}

// Cursor returns a lazy iterator over the chunks of text.
func (c *Chunker) Cursor(text string, metadata map[string]string) *Cursor {
	return &Cursor{cfg: c.cfg, runes: []rune(text), metadata: metadata}
}

// Cursor walks the input lazily. Chunks are derived only from the original
// text and the cursor position, so iteration is restartable.
type Cursor struct {
	cfg      Config
	runes    []rune
	metadata map[string]string
	pos      int
	index    int
	done     bool
}

// Next returns the next chunk, or ok=false when the input is exhausted.
func (cur *Cursor) Next() (Chunk, bool) {
	if cur.done {
		return Chunk{}, false
	}
	n := len(cur.runes)
	if n == 0 {
		cur.done = true
		return Chunk{}, false
	}
	if n <= cur.cfg.ChunkSize && cur.pos == 0 {
		cur.done = true
		return cur.emit(0, n), true
	}

	start := cur.pos
	end := start + cur.cfg.ChunkSize
	if end >= n {
		end = n
	} else {
		end = cur.snap(start, end)
	}

	// A short tail folds into the final chunk rather than standing alone.
	if cur.cfg.MinChunkSize > 0 && n-end > 0 && n-end < cur.cfg.MinChunkSize {
		end = n
	}

	if end >= n {
		cur.done = true
		return cur.emit(start, n), true
	}
	cur.pos = end - cur.cfg.Overlap
	if cur.pos <= start {
		// Guard against a snap so aggressive the window would not advance.
		cur.pos = end
	}
	return cur.emit(start, end), true
}

func (cur *Cursor) emit(start, end int) Chunk {
	ch := Chunk{
		Text:     string(cur.runes[start:end]),
		Start:    start,
		End:      end,
		Index:    cur.index,
		Metadata: cur.metadata,
	}
	cur.index++
	return ch
}

// snap moves the window end back to the preferred boundary inside
// [start, end): paragraph breaks first when enabled, then sentence
// terminators. The original end stands when no boundary is found.
func (cur *Cursor) snap(start, end int) int {
	window := string(cur.runes[start:end])
	if cur.cfg.RespectParagraphs {
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			return start + len([]rune(window[:i+2]))
		}
	}
	if cur.cfg.RespectSentences {
		if i := lastSentenceEnd(window); i > 0 {
			return start + i
		}
	}
	return end
}

// lastSentenceEnd returns the rune offset just past the last sentence
// terminator in s, or -1 when there is none.
func lastSentenceEnd(s string) int {
	runes := []rune(s)
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?':
			// Treat as a terminator only at end-of-window or before space.
			if i == len(runes)-1 || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				return i + 1
			}
		}
	}
	return -1
}
