package job

import (
	"strings"

	"github.com/pairdaemon/pairdaemon/internal/store"
)

// leadInWords are the case-insensitive prefixes that force a new chunk,
// carried verbatim from the source's lead-in regex (spec §4.6, §9b).
var leadInWords = []string{"now", "next", "let me", "i'll", "first", "finally", "done"}

// chunkBuilder applies the deterministic chunk-segmentation rule to an
// ordered stream of text deltas, grounded on getfinn-finn's
// internal/claude/parser.go DecisionParser: accumulate into a trailing
// builder, test a lead-in regex, start a new segment on match.
//
// A new chunk begins when the previous delta was a tool_use, the
// incoming text starts with "\n\n", or the trimmed text begins with a
// lead-in word. Otherwise the text is appended to the current chunk.
type chunkBuilder struct {
	chunks          []store.Chunk
	afterToolPending string
	prevWasToolUse  bool
}

// addText applies one text delta, returning the chunks built so far.
func (b *chunkBuilder) addText(text string) []store.Chunk {
	if text == "" {
		b.prevWasToolUse = false
		return b.chunks
	}

	if b.startsNewChunk(text) {
		afterTool := b.afterToolPending
		b.chunks = append(b.chunks, store.Chunk{Text: text, AfterTool: afterTool})
	} else {
		last := &b.chunks[len(b.chunks)-1]
		last.Text += text
	}

	b.prevWasToolUse = false
	b.afterToolPending = ""
	return b.chunks
}

// noteToolUse records that a tool_use delta just occurred, forcing the
// next text delta to open a new chunk tagged with the tool's name.
func (b *chunkBuilder) noteToolUse(toolName string) {
	b.prevWasToolUse = true
	b.afterToolPending = toolName
}

// noteToolResult records a tool_result delta. Per the literal §4.6 rule
// only tool_use forces a new chunk, so a tool_result clears the
// pending flag without itself opening one — unlike the narrative in
// scenario S3, which describes a second, separate chunk appearing after
// a tool_result; see DESIGN.md for why the literal rule is followed
// instead of that narrative.
func (b *chunkBuilder) noteToolResult() {
	b.prevWasToolUse = false
	b.afterToolPending = ""
}

func (b *chunkBuilder) startsNewChunk(text string) bool {
	if len(b.chunks) == 0 {
		return true
	}
	if b.prevWasToolUse {
		return true
	}
	if strings.HasPrefix(text, "\n\n") {
		return true
	}
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, word := range leadInWords {
		if strings.HasPrefix(lower, word) {
			return true
		}
	}
	return false
}

// Chunks returns the accumulated chunks in order.
func (b *chunkBuilder) Chunks() []store.Chunk {
	return b.chunks
}
