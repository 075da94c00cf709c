package epub

import (
	"fmt"
	"strings"

	"github.com/adrg/strutil/metrics"
	"golang.org/x/net/html"

	"github.com/bookbridge/bookbridge/internal/models"
)

// LocatorOptions tune the fuzzy text search.
type LocatorOptions struct {
	// FuzzyThreshold is the minimum token-set similarity for a fuzzy match.
	FuzzyThreshold float64
	// WindowFraction bounds the search around a percentage hint, as a
	// fraction of the whole book on each side.
	WindowFraction float64
}

// DefaultLocatorOptions matches KOReader-sized snippets against typical
// OCR/render noise.
var DefaultLocatorOptions = LocatorOptions{
	FuzzyThreshold: 0.80,
	WindowFraction: 0.15,
}

const anchorWords = 10

// FindText locates a snippet inside the book and returns its global char
// offset. The cascade runs cheapest-first over the whole text: unique-anchor
// scan, exact substring, normalized substring, then a fuzzy scan. hintPct
// (< 0 means none) bounds only the fuzzy pass, which falls back to scanning
// everything when the windowed scan misses. Returns -1 when nothing clears
// the threshold.
func (b *Book) FindText(snippet string, hintPct float64, opts LocatorOptions) int {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultLocatorOptions.FuzzyThreshold
	}
	if opts.WindowFraction <= 0 {
		opts.WindowFraction = DefaultLocatorOptions.WindowFraction
	}
	snippet = collapseSpace(snippet)
	if snippet == "" || len(b.Text) == 0 {
		return -1
	}

	// A 10-word run of the snippet that occurs exactly once in the book
	// pins the position even when the snippet itself repeats (a heading
	// in the table of contents and again at the chapter).
	if words := strings.Fields(snippet); len(words) >= anchorWords {
		for i := 0; i+anchorWords <= len(words); i++ {
			anchor := strings.Join(words[i:i+anchorWords], " ")
			if idx := uniqueIndex(b.Text, anchor); idx >= 0 {
				return idx
			}
		}
	}

	if idx := strings.Index(b.Text, snippet); idx >= 0 {
		return idx
	}

	// Normalized comparison absorbs punctuation and case drift. The raw
	// offset is recovered by ratio, which is close enough for locator
	// generation since downstream consumers re-anchor on node boundaries.
	normText := Normalize(b.Text)
	normSnippet := Normalize(snippet)
	if normSnippet != "" && len(normText) > 0 {
		if idx := strings.Index(normText, normSnippet); idx >= 0 {
			return idx * len(b.Text) / len(normText)
		}
	}

	if hintPct >= 0 {
		center := int(float64(len(b.Text)) * hintPct)
		span := int(float64(len(b.Text)) * opts.WindowFraction)
		lo := center - span
		if lo < 0 {
			lo = 0
		}
		hi := center + span
		if hi > len(b.Text) {
			hi = len(b.Text)
		}
		if idx := b.fuzzyScan(b.Text[lo:hi], lo, normSnippet, opts.FuzzyThreshold); idx >= 0 {
			return idx
		}
	}
	return b.fuzzyScan(b.Text, 0, normSnippet, opts.FuzzyThreshold)
}

// uniqueIndex returns the index of needle in haystack only when it occurs
// exactly once.
func uniqueIndex(haystack, needle string) int {
	first := strings.Index(haystack, needle)
	if first < 0 {
		return -1
	}
	if strings.Index(haystack[first+1:], needle) >= 0 {
		return -1
	}
	return first
}

// fuzzyScan slides a snippet-sized window in half-length steps and scores
// each candidate by token-set similarity.
func (b *Book) fuzzyScan(window string, base int, normSnippet string, threshold float64) int {
	if normSnippet == "" {
		return -1
	}
	snippetTokens := tokenSet(normSnippet)
	if len(snippetTokens) == 0 {
		return -1
	}
	snippetJoined := strings.Join(snippetTokens, " ")
	dice := metrics.NewSorensenDice()
	dice.NgramSize = 2

	size := len(normSnippet)
	if size < 20 {
		size = 20
	}
	step := size / 2

	bestScore := 0.0
	bestIdx := -1
	for off := 0; off < len(window); off += step {
		end := off + size
		if end > len(window) {
			end = len(window)
		}
		candTokens := tokenSet(Normalize(window[off:end]))
		if len(candTokens) == 0 {
			if end == len(window) {
				break
			}
			continue
		}
		score := dice.Compare(snippetJoined, strings.Join(candTokens, " "))
		if score > bestScore {
			bestScore = score
			bestIdx = off
		}
		if end == len(window) {
			break
		}
	}
	if bestScore < threshold {
		return -1
	}
	return base + bestIdx
}

// LocatorAt builds the full multi-format locator for a global char offset.
func (b *Book) LocatorAt(offset int) models.Locator {
	loc := models.Locator{CharOffset: offset}
	if len(b.Text) > 0 {
		loc.Percentage = float64(offset) / float64(len(b.Text))
		if loc.Percentage > 1 {
			loc.Percentage = 1
		}
	}
	item := b.ItemAt(offset)
	if item == nil {
		return loc
	}
	loc.Href = item.Href

	run := item.runAt(offset)
	if run == nil || run.node.Parent == nil {
		loc.XPath = fmt.Sprintf("/body/DocFragment[%d]/body/text().0", item.Index)
		return loc
	}
	el := run.node.Parent

	loc.XPath = buildXPath(item.Index, el)
	loc.CSSSelector = buildCSSSelector(el)
	loc.CFI = buildCFI(item.Index, el)
	loc.Fragment = nearestID(el)
	return loc
}

// buildXPath produces a crengine-style path:
// /body/DocFragment[n]/body/div[2]/p[5]/text().0. Elements with an id
// become *[@id='x'] anchors and truncate the climb. The document body
// appears exactly once after the DocFragment segment.
func buildXPath(spineIndex int, el *html.Node) string {
	var segs []string
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			break
		}
		if n.Data == "body" {
			segs = append(segs, "body")
			break
		}
		if id := attr(n, "id"); id != "" {
			segs = append(segs, fmt.Sprintf("*[@id='%s']", id))
			break
		}
		segs = append(segs, fmt.Sprintf("%s[%d]", n.Data, siblingIndex(n)))
	}
	// Reverse into document order.
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	if len(segs) == 0 || segs[0] != "body" {
		segs = append([]string{"body"}, segs...)
	}
	return fmt.Sprintf("/body/DocFragment[%d]/%s/text().0", spineIndex, strings.Join(segs, "/"))
}

// buildCSSSelector produces an nth-of-type chain rooted just under body,
// e.g. "div:nth-of-type(2) > p:nth-of-type(5)".
func buildCSSSelector(el *html.Node) string {
	var segs []string
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "body" || n.Data == "html" {
			break
		}
		if id := attr(n, "id"); id != "" {
			segs = append(segs, fmt.Sprintf("#%s", id))
			break
		}
		segs = append(segs, fmt.Sprintf("%s:nth-of-type(%d)", n.Data, siblingIndex(n)))
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, " > ")
}

// buildCFI produces an EPUB canonical fragment identifier:
// epubcfi(/6/{(spine)*2}!/4/{child*2}/...:0). Body maps to step 4 by
// convention and each element step is its 1-based child position doubled.
func buildCFI(spineIndex int, el *html.Node) string {
	var steps []int
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			break
		}
		if n.Data == "body" {
			steps = append(steps, 4)
			break
		}
		steps = append(steps, childElementIndex(n)*2)
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "epubcfi(/6/%d!", spineIndex*2)
	for _, s := range steps {
		fmt.Fprintf(&sb, "/%d", s)
	}
	sb.WriteString(":0)")
	return sb.String()
}

// nearestID climbs to the closest ancestor carrying an id attribute.
func nearestID(el *html.Node) string {
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if id := attr(n, "id"); id != "" {
			return id
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// siblingIndex is the 1-based position among same-tag element siblings.
func siblingIndex(n *html.Node) int {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			idx++
		}
	}
	return idx
}

// childElementIndex is the 1-based position among all element siblings.
func childElementIndex(n *html.Node) int {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			idx++
		}
	}
	return idx
}
