// Package codeblock extracts fenced code blocks from model output.
package codeblock

import (
	"regexp"
	"strings"
)

// Block is one fenced block. Lang is the info string after the opening fence.
type Block struct {
	Lang string
	Code string
}

// fence matches ```lang\n ... ``` lazily, across lines.
var fence = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)```")

// Extract returns every fenced block in order of appearance.
func Extract(text string) []Block {
	matches := fence.FindAllStringSubmatch(text, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		code := strings.TrimRight(m[2], " \t\r\n")
		if strings.TrimSpace(code) == "" {
			continue
		}
		blocks = append(blocks, Block{Lang: strings.ToLower(m[1]), Code: code})
	}
	return blocks
}

// First returns the code of the first block, or "".
func First(text string) string {
	blocks := Extract(text)
	if len(blocks) == 0 {
		return ""
	}
	return blocks[0].Code
}

// Last returns the code of the last block, or "".
func Last(text string) string {
	blocks := Extract(text)
	if len(blocks) == 0 {
		return ""
	}
	return blocks[len(blocks)-1].Code
}
