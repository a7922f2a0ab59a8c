// Package diffing computes and applies reversible diffs between Tree values.
//
// A Tree is nil | bool | int64 | float64 | string | []any | map[string]any.
// Diff(a, b) returns the minimal patch transforming a into b; Patch(a, ops)
// returns b. Lists are diffed index-aligned (no LCS): typical diffs are small
// and this keeps historical reconstruction deterministic.
package diffing

import (
	"reflect"
	"sort"
)

type queueItem struct {
	path  []any
	left  any
	right any
}

// Diff finds the differences between two prepared trees, returning ops that
// transform base into new. Emission order is deterministic (sorted keys,
// breadth first).
func Diff(base, new map[string]any) []Op {
	if reflect.DeepEqual(base, new) {
		return nil
	}

	var ops []Op
	queue := []queueItem{{path: nil, left: base, right: new}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		switch left := item.left.(type) {
		case map[string]any:
			right := item.right.(map[string]any)
			ops, queue = diffMaps(item.path, left, right, ops, queue)
		case []any:
			right := item.right.([]any)
			ops, queue = diffLists(item.path, left, right, ops, queue)
		}
	}

	return ops
}

func diffMaps(path []any, left, right map[string]any, ops []Op, queue []queueItem) ([]Op, []queueItem) {
	keys := make([]string, 0, len(left)+len(right))
	for key := range left {
		keys = append(keys, key)
	}
	for key := range right {
		if _, ok := left[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		leftValue, inLeft := left[key]
		rightValue, inRight := right[key]
		childPath := childOf(path, key)

		switch {
		case !inRight:
			ops = append(ops, Op{Code: OpDelete, Path: childPath})
		case !inLeft:
			ops = append(ops, Op{Code: replaceCode(nil, rightValue), Path: childPath, Value: rightValue})
		case reflect.DeepEqual(leftValue, rightValue):
		case sameShape(leftValue, rightValue):
			queue = append(queue, queueItem{path: childPath, left: leftValue, right: rightValue})
		default:
			ops = append(ops, Op{Code: replaceCode(leftValue, rightValue), Path: childPath, Value: rightValue})
		}
	}
	return ops, queue
}

func diffLists(path []any, left, right []any, ops []Op, queue []queueItem) ([]Op, []queueItem) {
	shared := len(left)
	if len(right) < shared {
		shared = len(right)
	}

	for i := 0; i < shared; i++ {
		if reflect.DeepEqual(left[i], right[i]) {
			continue
		}
		childPath := childOf(path, i)
		// only maps recurse inside lists, nested list edits replace the slot
		leftMap, leftIsMap := left[i].(map[string]any)
		rightMap, rightIsMap := right[i].(map[string]any)
		if leftIsMap && rightIsMap {
			queue = append(queue, queueItem{path: childPath, left: leftMap, right: rightMap})
		} else {
			ops = append(ops, Op{Code: replaceCode(left[i], right[i]), Path: childPath, Value: right[i]})
		}
	}

	if len(right) > len(left) {
		tail := make([]any, len(right)-len(left))
		copy(tail, right[len(left):])
		ops = append(ops, Op{Code: OpListInsert, Path: childOf(path, len(left)), Value: tail})
	} else if len(right) < len(left) {
		ops = append(ops, Op{Code: OpListRemove, Path: childOf(path, len(right))})
	}
	return ops, queue
}

func childOf(path []any, elem any) []any {
	child := make([]any, len(path)+1)
	copy(child, path)
	child[len(path)] = elem
	return child
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// sameShape reports whether both values are maps or both are lists.
func sameShape(a, b any) bool {
	_, aMap := a.(map[string]any)
	_, bMap := b.(map[string]any)
	if aMap || bMap {
		return aMap && bMap
	}
	_, aList := a.([]any)
	_, bList := b.([]any)
	return aList && bList
}

func replaceCode(old, new any) string {
	if isContainer(new) {
		return OpGrow
	}
	if isContainer(old) {
		return OpShrink
	}
	return OpSet
}

// Patch applies ops to base, returning a new tree. base is not modified.
func Patch(base map[string]any, ops []Op) map[string]any {
	result := CopyTree(base).(map[string]any)

	for _, op := range ops {
		switch op.Code {
		case OpSet, OpGrow, OpShrink:
			setAt(result, op.Path, CopyTree(op.Value))
		case OpDelete:
			parent := getIn(result, op.Path[:len(op.Path)-1]).(map[string]any)
			delete(parent, op.Path[len(op.Path)-1].(string))
		case OpListInsert:
			listPath := op.Path[:len(op.Path)-1]
			index := op.Path[len(op.Path)-1].(int)
			list := getIn(result, listPath).([]any)
			tail := CopyTree(op.Value).([]any)
			merged := make([]any, 0, len(list)+len(tail))
			merged = append(merged, list[:index]...)
			merged = append(merged, tail...)
			merged = append(merged, list[index:]...)
			setAt(result, listPath, merged)
		case OpListRemove:
			listPath := op.Path[:len(op.Path)-1]
			index := op.Path[len(op.Path)-1].(int)
			list := getIn(result, listPath).([]any)
			setAt(result, listPath, append([]any(nil), list[:index]...))
		}
	}

	return result
}

func getIn(root any, path []any) any {
	current := root
	for _, elem := range path {
		switch e := elem.(type) {
		case string:
			current = current.(map[string]any)[e]
		case int:
			current = current.([]any)[e]
		}
	}
	return current
}

func setAt(root any, path []any, value any) {
	parent := getIn(root, path[:len(path)-1])
	switch last := path[len(path)-1].(type) {
	case string:
		parent.(map[string]any)[last] = value
	case int:
		parent.([]any)[last] = value
	}
}

// CopyTree deep-copies a prepared tree value.
func CopyTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = CopyTree(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = CopyTree(elem)
		}
		return out
	default:
		return v
	}
}
