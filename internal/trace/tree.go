package trace

import "sort"

// SpanNode is one entry of a depth-first walk over a trace's span tree.
type SpanNode struct {
	Span  *Span
	Depth int
}

// TreeOrder returns every span depth-first, roots first. Siblings are
// ordered by start time, then recorded position. Spans caught in a parent
// cycle are appended at depth 0 so none is lost.
func (t *Trace) TreeOrder() []SpanNode {
	if len(t.Spans) == 0 {
		return nil
	}

	position := make(map[*Span]int, len(t.Spans))
	for i, span := range t.Spans {
		position[span] = i
	}
	less := func(a, b *Span) bool {
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return position[a] < position[b]
	}

	children := make(map[string][]*Span, len(t.Spans))
	for _, span := range t.Spans {
		if span.ParentID == "" || span.ParentID == span.SpanID {
			continue
		}
		children[span.ParentID] = append(children[span.ParentID], span)
	}
	for parent := range children {
		kids := children[parent]
		sort.SliceStable(kids, func(i, j int) bool { return less(kids[i], kids[j]) })
	}

	roots := t.RootSpans()
	sort.SliceStable(roots, func(i, j int) bool { return less(roots[i], roots[j]) })

	out := make([]SpanNode, 0, len(t.Spans))
	visited := make(map[*Span]bool, len(t.Spans))
	var walk func(span *Span, depth int)
	walk = func(span *Span, depth int) {
		if visited[span] {
			return
		}
		visited[span] = true
		out = append(out, SpanNode{Span: span, Depth: depth})
		for _, child := range children[span.SpanID] {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}

	if len(out) < len(t.Spans) {
		remainder := make([]*Span, 0, len(t.Spans)-len(out))
		for _, span := range t.Spans {
			if !visited[span] {
				remainder = append(remainder, span)
			}
		}
		sort.SliceStable(remainder, func(i, j int) bool { return less(remainder[i], remainder[j]) })
		for _, span := range remainder {
			walk(span, 0)
		}
	}
	return out
}
