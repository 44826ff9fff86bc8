// Package maputil provides deep-copy helpers for member tables and the
// nested values (maps, slices) they may carry after manifest decoding.
package maputil

// DeepCopyValue returns a deep copy of v. Maps and slices are copied
// recursively; everything else (scalars, funcs) is returned as is.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		return DeepCopySlice(val)
	default:
		return v
	}
}

// DeepCopyMap performs a deep copy of a map[string]any.
func DeepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))

	for k, v := range src {
		dst[k] = DeepCopyValue(v)
	}

	return dst
}

// DeepCopySlice performs a deep copy of a []any.
func DeepCopySlice(src []any) []any {
	if src == nil {
		return nil
	}

	dst := make([]any, len(src))

	for i, v := range src {
		dst[i] = DeepCopyValue(v)
	}

	return dst
}
