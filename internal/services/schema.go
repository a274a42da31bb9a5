package services

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

const blankRun = "___"

// InferSchema derives fillable form fields from recognized text. A block is a
// field when its trimmed text contains a colon or a run of three underscores.
// The label is the text before the first colon, or the whole line when there
// is none. Element ids use the block's index in blocks, so they stay stable
// across re-runs.
//
// When blocks carries LINE blocks, PAGE and WORD blocks are ignored so that
// words do not repeat the fields of their line.
func InferSchema(blocks []models.Block) models.FormSchema {
	schema := models.FormSchema{Elements: []models.FormSchemaElement{}}
	linesOnly := hasLineBlocks(blocks)

	for i, block := range blocks {
		if linesOnly && block.Type != models.BlockLine && block.Type != "" {
			continue
		}
		text := strings.TrimSpace(block.Text)
		if !strings.Contains(text, ":") && !strings.Contains(text, blankRun) {
			continue
		}
		label := text
		if before, _, found := strings.Cut(text, ":"); found {
			label = strings.TrimSpace(before)
		}
		schema.Elements = append(schema.Elements, models.FormSchemaElement{
			ID:       fmt.Sprintf("element_%d", i),
			Type:     "text",
			Label:    label,
			Geometry: cloneGeometry(block.Geometry),
		})
	}
	return schema
}

func hasLineBlocks(blocks []models.Block) bool {
	for _, b := range blocks {
		if b.Type == models.BlockLine {
			return true
		}
	}
	return false
}

func cloneGeometry(g *models.Geometry) *models.Geometry {
	if g == nil {
		return nil
	}
	c := *g
	if g.Polygon != nil {
		c.Polygon = append([]models.Point(nil), g.Polygon...)
	}
	return &c
}
