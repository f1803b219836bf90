package generation

import "strings"

const fence = "```"

// CodeBlocks returns the bodies of all closed fenced code blocks in text,
// in order of appearance. The info string after the opening fence is
// dropped. An unclosed trailing fence is ignored.
func CodeBlocks(text string) []string {
	var (
		blocks []string
		body   []string
		open   bool
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case !open && strings.HasPrefix(trimmed, fence):
			open = true
			body = body[:0]
		case open && trimmed == fence:
			open = false
			blocks = append(blocks, strings.Join(body, "\n")+"\n")
		case open:
			body = append(body, strings.TrimSuffix(line, "\r"))
		}
	}
	return blocks
}

// LargestCodeBlock returns the longest fenced block. Ties go to the first.
func LargestCodeBlock(text string) (string, bool) {
	best, found := "", false
	for _, b := range CodeBlocks(text) {
		if !found || len(b) > len(best) {
			best, found = b, true
		}
	}
	return best, found
}
