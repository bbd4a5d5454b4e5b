package wire

import (
	"encoding/json"
	"fmt"
)

// PathSegment is one step of a member path: either a string property key or
// an array index. Cap'n Web paths mix both freely, e.g. ["users", 0, "name"].
type PathSegment struct {
	key     string
	index   int
	isIndex bool
}

// Key returns the string key, if this segment is a property key.
func (s PathSegment) Key() (string, bool) {
	if s.isIndex {
		return "", false
	}
	return s.key, true
}

// Index returns the array index, if this segment is numeric.
func (s PathSegment) Index() (int, bool) {
	if !s.isIndex {
		return 0, false
	}
	return s.index, true
}

func (s PathSegment) String() string {
	if s.isIndex {
		return fmt.Sprintf("%d", s.index)
	}
	return s.key
}

func (s PathSegment) MarshalJSON() ([]byte, error) {
	if s.isIndex {
		return json.Marshal(s.index)
	}
	return json.Marshal(s.key)
}

func (s *PathSegment) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = PathSegment{key: str}
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num < 0 || num != float64(int(num)) {
			return fmt.Errorf("path segment must be a non-negative integer, got %v", num)
		}
		*s = PathSegment{index: int(num), isIndex: true}
		return nil
	}
	return fmt.Errorf("invalid path segment %s", string(data))
}

// Path is an ordered sequence of property keys and array indices.
type Path []PathSegment

func parsePath(raw json.RawMessage) (Path, error) {
	var segs []json.RawMessage
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, fmt.Errorf("path must be an array: %w", err)
	}
	path := make(Path, 0, len(segs))
	for _, s := range segs {
		var seg PathSegment
		if err := seg.UnmarshalJSON(s); err != nil {
			return nil, err
		}
		path = append(path, seg)
	}
	return path, nil
}

// Traverse extracts the sub-value at path within an already-computed wire
// value, without invoking any code. This is resolve_member in the spec: a
// pure projection used for argument-less pipeline expressions and for
// pipeline references that appear as plain data inside other arguments.
func Traverse(value interface{}, path Path) (interface{}, *TraverseError) {
	current := value
	for i, seg := range path {
		if _, isCap := current.(CapabilityRef); isCap {
			return nil, &TraverseError{BadRequest: true, Message: fmt.Sprintf("cannot traverse into a capability reference at path segment %d", i)}
		}
		if key, ok := seg.Key(); ok {
			obj, ok := current.(map[string]interface{})
			if !ok {
				if oo, ok := current.(*OrderedObject); ok {
					obj = oo.AsMap()
				} else {
					return nil, &TraverseError{BadRequest: true, Message: fmt.Sprintf("cannot read property %q of non-object value", key)}
				}
			}
			v, exists := obj[key]
			if !exists {
				return nil, &TraverseError{NotFound: true, Message: fmt.Sprintf("no such property %q", key)}
			}
			current = v
			continue
		}
		idx, _ := seg.Index()
		arr, ok := current.([]interface{})
		if !ok {
			return nil, &TraverseError{BadRequest: true, Message: fmt.Sprintf("cannot index non-array value at %d", idx)}
		}
		if idx < 0 || idx >= len(arr) {
			return nil, &TraverseError{NotFound: true, Message: fmt.Sprintf("array index %d out of bounds", idx)}
		}
		current = arr[idx]
	}
	return current, nil
}

// TraverseError distinguishes the two ways a path can fail to resolve so
// callers can map it to the right reject kind.
type TraverseError struct {
	NotFound   bool
	BadRequest bool
	Message    string
}

func (e *TraverseError) Error() string { return e.Message }
