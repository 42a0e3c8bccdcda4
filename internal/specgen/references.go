package specgen

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ReconcileReferences checks proposed references against the policy
// document. A reference found verbatim is kept. One that matches only after
// folding case and collapsing whitespace is replaced by the document's exact
// text. Anything else is returned as unmatched. Duplicates are dropped.
func ReconcileReferences(doc string, refs []string) (kept, unmatched []string) {
	idx := newFoldedIndex(doc)
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			kept = append(kept, s)
		}
	}
	for _, ref := range refs {
		r := strings.TrimSpace(ref)
		r = strings.Trim(r, "\"“”")
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.Contains(doc, r) {
			add(r)
			continue
		}
		if exact, ok := idx.find(r); ok {
			add(exact)
			continue
		}
		unmatched = append(unmatched, ref)
	}
	return kept, unmatched
}

// foldedIndex is the document lowercased with whitespace runs collapsed to
// one space, plus the byte span in the original of every folded byte.
type foldedIndex struct {
	doc   string
	text  string
	start []int
	end   []int
}

func newFoldedIndex(doc string) *foldedIndex {
	idx := &foldedIndex{doc: doc}
	var b strings.Builder
	inSpace := false
	for i, r := range doc {
		// Invalid bytes decode as RuneError with width 1.
		_, size := utf8.DecodeRuneInString(doc[i:])
		if unicode.IsSpace(r) {
			if inSpace {
				// Extend the span of the collapsed space.
				idx.end[len(idx.end)-1] = i + size
				continue
			}
			inSpace = true
			r = ' '
		} else {
			inSpace = false
			r = unicode.ToLower(r)
		}
		n := utf8.RuneLen(r)
		b.WriteRune(r)
		for k := 0; k < n; k++ {
			idx.start = append(idx.start, i)
			idx.end = append(idx.end, i+size)
		}
	}
	idx.text = b.String()
	return idx
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (idx *foldedIndex) find(ref string) (string, bool) {
	f := fold(ref)
	if f == "" {
		return "", false
	}
	at := strings.Index(idx.text, f)
	if at < 0 {
		return "", false
	}
	last := at + len(f) - 1
	if last >= len(idx.end) {
		return "", false
	}
	return idx.doc[idx.start[at]:min(idx.end[last], len(idx.doc))], true
}
