package wizard

import (
	"strings"

	"postbot/internal/post"
)

const maxButtonsPerRow = 8

// ParseButtons reads the inline keyboard grid: one keyboard row per line,
// buttons within a row separated by ";;", each button "label | url".
// Column numbers come out dense within every row.
func ParseButtons(raw string) ([]post.Button, error) {
	var out []post.Button
	row := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		col := 0
		for _, cell := range strings.Split(line, ";;") {
			label, url, ok := strings.Cut(cell, "|")
			label = strings.TrimSpace(label)
			url = strings.TrimSpace(url)
			if !ok || label == "" || url == "" {
				return nil, post.Validationf("button %q must look like \"label | url\"", strings.TrimSpace(cell))
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return nil, post.Validationf("button url %q must start with http:// or https://", url)
			}
			if col >= maxButtonsPerRow {
				return nil, post.Validationf("row %d has more than %d buttons", row+1, maxButtonsPerRow)
			}
			out = append(out, post.Button{Label: label, URL: url, Row: row, Col: col})
			col++
		}
		row++
	}
	if len(out) == 0 {
		return nil, post.Validationf("no buttons found; send one row per line as \"label | url\"")
	}
	return out, nil
}
