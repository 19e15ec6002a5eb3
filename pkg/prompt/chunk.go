package prompt

import (
	"sort"

	"github.com/margo-ai/margo/pkg/document"
)

// Chunk is one slice of an oversized context. Styles are global and carried
// into every chunk.
type Chunk struct {
	Structure   document.Structure
	Annotations []document.Annotation
}

// split divides a structure and its annotations into chunks. Preferred
// split: bands between consecutive level-1 heading starts. When fewer than
// two level-1 headings exist, annotations are divided into roughly three
// equal groups instead.
func split(s document.Structure, anns []document.Annotation) []Chunk {
	var tops []document.Heading
	for _, h := range s.Headings {
		if h.Level == 1 {
			tops = append(tops, h)
		}
	}

	if len(tops) >= 2 {
		return splitByHeadings(s, anns, tops)
	}
	return splitByAnnotations(s, anns)
}

func splitByHeadings(s document.Structure, anns []document.Annotation, tops []document.Heading) []Chunk {
	sort.Slice(tops, func(i, j int) bool { return tops[i].Range.Start < tops[j].Range.Start })

	bands := make([]document.Range, len(tops))
	for i, h := range tops {
		end := int(^uint(0) >> 1)
		if i+1 < len(tops) {
			end = tops[i+1].Range.Start
		}
		bands[i] = document.Range{Start: h.Range.Start, End: end}
	}
	// Content before the first level-1 heading belongs to the first band.
	bands[0].Start = 0

	chunks := make([]Chunk, len(bands))
	for i, band := range bands {
		chunk := Chunk{
			Structure: document.Structure{
				Styles:    s.Styles,
				PageCount: s.PageCount,
				WordCount: s.WordCount,
			},
		}
		for _, h := range s.Headings {
			if h.Range.Start >= band.Start && h.Range.Start < band.End {
				chunk.Structure.Headings = append(chunk.Structure.Headings, h)
			}
		}
		for _, e := range s.TocEntries {
			if e.Range.Start >= band.Start && e.Range.Start < band.End {
				chunk.Structure.TocEntries = append(chunk.Structure.TocEntries, e)
			}
		}
		for _, l := range s.Hyperlinks {
			if l.Range.Start >= band.Start && l.Range.Start < band.End {
				chunk.Structure.Hyperlinks = append(chunk.Structure.Hyperlinks, l)
			}
		}
		for _, a := range anns {
			if a.Range.Start >= band.Start && a.Range.Start < band.End {
				chunk.Annotations = append(chunk.Annotations, a)
			}
		}
		chunks[i] = chunk
	}
	return chunks
}

func splitByAnnotations(s document.Structure, anns []document.Annotation) []Chunk {
	const groups = 3
	if len(anns) == 0 {
		return []Chunk{{Structure: s}}
	}

	size := (len(anns) + groups - 1) / groups
	var chunks []Chunk
	for start := 0; start < len(anns); start += size {
		end := start + size
		if end > len(anns) {
			end = len(anns)
		}
		chunks = append(chunks, Chunk{
			Structure:   s,
			Annotations: anns[start:end],
		})
	}
	return chunks
}
