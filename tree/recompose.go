// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tree

// Recomposer rebuilds the nested value rooted at a base path from the
// flat set of bag documents stored under it. Bags may be added in any
// order: references are found or created on demand, so bottom-up and
// top-down input produce the same result.
type Recomposer struct {
	base string
	refs map[string]map[string]interface{}
}

// NewRecomposer returns a Recomposer assembling the value at base.
func NewRecomposer(base string) *Recomposer {
	return &Recomposer{
		base: NormalizePath(base),
		refs: make(map[string]map[string]interface{}),
	}
}

// Add merges one bag document into the value under construction and
// wires its ancestors up to the base path.
func (r *Recomposer) Add(id string, fields map[string]interface{}) {
	path := NormalizePath(id)
	ref := r.refFor(path)
	for k, v := range fields {
		ref[k] = v
	}
	for path != r.base {
		parent := ParentPath(path)
		r.refFor(parent)[LeafPath(path)] = r.refs[path]
		path = parent
		if path == "" {
			break
		}
	}
}

// Value returns the recomposed value at the base path, or nil when no
// bag contributed to it.
func (r *Recomposer) Value() interface{} {
	ref, ok := r.refs[r.base]
	if !ok {
		return nil
	}
	return ref
}

func (r *Recomposer) refFor(path string) map[string]interface{} {
	ref, ok := r.refs[path]
	if !ok {
		ref = make(map[string]interface{})
		r.refs[path] = ref
	}
	return ref
}
