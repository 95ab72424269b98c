// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tree holds the pure building blocks of the broker: canonical
// path handling, the value helpers shared by the store and the query
// engine, and the Recomposer that rebuilds a nested value from its flat
// bag documents.
package tree

import (
	gopath "path"
	"regexp"
	"strings"
)

// NormalizePath returns the canonical form of a tree path: a leading
// slash, no trailing slash, no empty or dot segments, with ".." segments
// resolved. The root of the tree canonicalizes to the empty string, so
// that ParentPath chains terminate naturally.
//
// NormalizePath is idempotent.
func NormalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = gopath.Clean(path)
	if path == "/" {
		return ""
	}
	return path
}

// LeafPath returns the last segment of path, or the empty string for the
// root.
func LeafPath(path string) string {
	if path == "" {
		return ""
	}
	return path[strings.LastIndex(path, "/")+1:]
}

// ParentPath returns the path with its last segment removed. The parent
// of a top level path is the root, represented as the empty string.
func ParentPath(path string) string {
	if path == "" {
		return ""
	}
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// IsDescendant reports whether path is equal to base or lies somewhere
// under it. The comparison is segment aware: "/ab" is not a descendant
// of "/a".
func IsDescendant(base, path string) bool {
	if path == base {
		return true
	}
	if base == "" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, base+"/")
}

// LimitToChild truncates path, a descendant of parent, to the direct
// child of parent it passes through. It returns the empty string when
// path is not under parent.
func LimitToChild(path, parent string) string {
	if !IsDescendant(parent, path) || path == parent {
		return ""
	}
	sub := strings.TrimPrefix(path[len(parent):], "/")
	if i := strings.Index(sub, "/"); i >= 0 {
		sub = sub[:i]
	}
	return parent + "/" + sub
}

// SubtreePattern returns an anchored regular expression source matching
// path itself and every segment-descendant of it. The same source is
// handed to mongo as a $regex on _id and compiled locally for broadcast
// matching.
func SubtreePattern(path string) string {
	return "^" + regexp.QuoteMeta(path) + "(/.*)?$"
}

// ElementPattern returns an anchored regular expression source matching
// the direct children of path, each optionally extended by subpath. A
// query with a compare field at "info/score" on path "/users" matches
// "/users/<child>/info", the bag that actually holds the field.
func ElementPattern(path, subpath string) string {
	return "^" + regexp.QuoteMeta(path) + "/[^/]+" + regexp.QuoteMeta(subpath) + "$"
}

// NormalizeUpdatedValue lifts a scalar update at a leaf into a single
// key object at its parent, so that filter logic downstream only ever
// sees objects. Object (and nil) values pass through untouched.
func NormalizeUpdatedValue(path string, value interface{}) (string, interface{}) {
	if value == nil {
		return path, value
	}
	if _, ok := value.(map[string]interface{}); ok {
		return path, value
	}
	return ParentPath(path), map[string]interface{}{LeafPath(path): value}
}

// IsEmptyObject reports whether value is an object with no keys.
func IsEmptyObject(value interface{}) bool {
	m, ok := value.(map[string]interface{})
	return ok && len(m) == 0
}
