// Package diffengine computes a unified, line-oriented diff between two
// contract versions (§4.10), grounded on sergi/go-diff's line-mode diff.
package diffengine

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is the kind of change a Hunk represents.
type Op string

const (
	OpEqual  Op = "equal"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Hunk is one contiguous run of equal/inserted/deleted lines.
type Hunk struct {
	Op    Op       `json:"op"`
	Lines []string `json:"lines"`
}

// Result is the full comparison between two versions.
type Result struct {
	Hunks         []Hunk `json:"hunks"`
	LinesAdded    int    `json:"linesAdded"`
	LinesRemoved  int    `json:"linesRemoved"`
	UnifiedText   string `json:"unifiedText"`
}

// Compare produces a line-level diff between oldBody and newBody.
func Compare(oldBody, newBody string) Result {
	dmp := diffmatchpatch.New()
	oldLines, newLines, lineArray := dmp.DiffLinesToChars(oldBody, newBody)
	diffs := dmp.DiffMain(oldLines, newLines, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var result Result
	var unified strings.Builder

	for _, d := range diffs {
		lines := splitLines(d.Text)
		var op Op
		var marker string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op = OpEqual
			marker = "  "
		case diffmatchpatch.DiffInsert:
			op = OpInsert
			marker = "+ "
			result.LinesAdded += len(lines)
		case diffmatchpatch.DiffDelete:
			op = OpDelete
			marker = "- "
			result.LinesRemoved += len(lines)
		}
		result.Hunks = append(result.Hunks, Hunk{Op: op, Lines: lines})
		for _, l := range lines {
			fmt.Fprintf(&unified, "%s%s\n", marker, l)
		}
	}

	result.UnifiedText = unified.String()
	return result
}

// splitLines splits text on newlines, dropping a single trailing blank
// line produced by a trailing "\n" in the source.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
