// Package props resolves dotted paths over dynamic property trees.
//
// A property tree is a map[string]any whose values are scalars, []any, or
// nested map[string]any. Paths look like "meta.tags[0].name": dots descend
// into maps, [n] indexes into lists.
package props

import (
	"strconv"
	"strings"
)

type segment struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) []segment {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{key: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{key: part[:open]})
			}
			rest := part[open+1:]
			close := strings.IndexByte(rest, ']')
			if close < 0 {
				segs = append(segs, segment{key: part[open:]})
				break
			}
			n, err := strconv.Atoi(rest[:close])
			if err != nil {
				segs = append(segs, segment{key: rest[:close]})
			} else {
				segs = append(segs, segment{index: n, isIdx: true})
			}
			part = rest[close+1:]
			if part == "" {
				break
			}
		}
	}
	return segs
}

// Get resolves path against the tree. The second return is false when any
// segment is missing or of the wrong shape.
func Get(tree map[string]any, path string) (any, bool) {
	var cur any = tree
	for _, seg := range parsePath(path) {
		if seg.isIdx {
			list, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, false
			}
			cur = list[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns value at path, creating intermediate maps and growing lists as
// needed. Existing values of the wrong shape are replaced. A path with a
// negative index is ignored, mirroring Get.
func Set(tree map[string]any, path string, value any) {
	segs := parsePath(path)
	if len(segs) == 0 {
		return
	}
	for _, seg := range segs {
		if seg.isIdx && seg.index < 0 {
			return
		}
	}
	setInto(tree, segs, value)
}

func setInto(m map[string]any, segs []segment, value any) {
	seg := segs[0]
	if seg.isIdx {
		// An index at map level has nothing to index; ignore.
		return
	}
	if len(segs) == 1 {
		m[seg.key] = value
		return
	}
	next := segs[1]
	if next.isIdx {
		list, _ := m[seg.key].([]any)
		list = setIndex(list, segs[1:], value)
		m[seg.key] = list
		return
	}
	child, ok := m[seg.key].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[seg.key] = child
	}
	setInto(child, segs[1:], value)
}

func setIndex(list []any, segs []segment, value any) []any {
	seg := segs[0]
	for len(list) <= seg.index {
		list = append(list, nil)
	}
	if len(segs) == 1 {
		list[seg.index] = value
		return list
	}
	next := segs[1]
	if next.isIdx {
		sub, _ := list[seg.index].([]any)
		list[seg.index] = setIndex(sub, segs[1:], value)
		return list
	}
	child, ok := list[seg.index].(map[string]any)
	if !ok {
		child = map[string]any{}
		list[seg.index] = child
	}
	setInto(child, segs[1:], value)
	return list
}

// ParseScalar converts a CLI-supplied string to the most specific scalar:
// bool, int64, float64, or the string itself.
func ParseScalar(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
