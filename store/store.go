// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store implements the gateway between tree operations and the
// flat bag documents kept in the backing mongo collection. A tree value
// is unrolled into one bag per object node, each bag holding the scalar
// fields of that node, keyed by the node's canonical path.
package store

import (
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/treebroker/mongo"
	"github.com/juju/treebroker/tree"
)

var logger = loggo.GetLogger("treebroker.store")

// Store performs tree reads and writes against a bag collection.
type Store struct {
	coll mongo.Collection
}

// New returns a Store over the given collection.
func New(coll mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Set writes value at path, replacing whatever was there. A nil or
// empty object value deletes the subtree. Writing a primitive at the
// root is rejected before any mutation.
func (s *Store) Set(path string, value interface{}) error {
	path = tree.NormalizePath(path)
	switch v := value.(type) {
	case nil:
		return s.removeValue(path)
	case map[string]interface{}:
		if len(v) == 0 {
			return s.removeValue(path)
		}
		return s.setObject(path, v)
	default:
		if !isScalar(value) {
			return errors.Errorf("unsupported value of type %T at %q", value, path)
		}
		return s.setScalar(path, value)
	}
}

// Merge writes each top level key of value independently under path:
// nil deletes the key, an object recurses, a primitive overwrites. The
// per-key writes run concurrently and are all joined before Merge
// returns; the first failure wins.
func (s *Store) Merge(path string, value map[string]interface{}) error {
	path = tree.NormalizePath(path)
	var wg sync.WaitGroup
	failures := make(chan error, len(value))
	for k, v := range value {
		wg.Add(1)
		go func(k string, v interface{}) {
			defer wg.Done()
			if err := s.Set(path+"/"+k, v); err != nil {
				failures <- err
			}
		}(k, v)
	}
	wg.Wait()
	close(failures)
	return errors.Trace(<-failures)
}

// FetchValue reads the value at path. A subtree of bags is recomposed
// into a nested value; a path addressing a scalar leaf is resolved
// through its parent bag. Absent paths yield nil.
func (s *Store) FetchValue(path string) (interface{}, error) {
	path = tree.NormalizePath(path)
	iter := s.coll.Find(bson.M{"_id": subtreeRegex(path)}).Sort("_id").Iter()
	recomposer := tree.NewRecomposer(path)
	found := 0
	var doc bson.M
	for iter.Next(&doc) {
		id, _ := doc["_id"].(string)
		recomposer.Add(id, bagFields(doc))
		found++
		doc = nil
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Annotatef(err, "fetching %q", path)
	}
	if found > 0 {
		logger.Tracef("recomposed %d bags at %q", found, path)
		return recomposer.Value(), nil
	}
	var parent bson.M
	err := s.coll.FindId(tree.ParentPath(path)).One(&parent)
	if mongo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "fetching parent of %q", path)
	}
	return parent[tree.LeafPath(path)], nil
}

// QuerySpec describes a live query over the direct children of Path.
type QuerySpec struct {
	Path string

	// CompareField addresses the field used for filtering and
	// sorting, relative to each child; nested fields carry a leading
	// slash ("/info/score"). Empty means sort by child path.
	CompareField string

	Equals    interface{}
	HasEquals bool
	From      interface{}
	HasFrom   bool
	To        interface{}
	HasTo     bool

	Limit   int
	Reverse bool
}

// ElementSubpath returns the bag subpath holding the compare field, or
// the empty string when the children's own bags are queried.
func (q QuerySpec) ElementSubpath() string {
	return tree.ParentPath(q.CompareField)
}

// QueryChildren streams the bags matching spec in sort order, invoking
// found with each element's child path and the bag fields. It returns
// once the cursor is exhausted.
func (s *Store) QueryChildren(spec QuerySpec, found func(childPath string, fields map[string]interface{})) error {
	path := tree.NormalizePath(spec.Path)
	cond := bson.M{"_id": bson.RegEx{Pattern: tree.ElementPattern(path, spec.ElementSubpath())}}
	sortField := "_id"
	if spec.CompareField != "" {
		leaf := tree.LeafPath(spec.CompareField)
		switch {
		case spec.HasEquals:
			cond[leaf] = spec.Equals
		case spec.HasFrom || spec.HasTo:
			bounds := bson.M{}
			if spec.HasFrom {
				bounds["$gt"] = spec.From
			}
			if spec.HasTo {
				bounds["$lt"] = spec.To
			}
			cond[leaf] = bounds
		}
		if !spec.HasEquals {
			sortField = leaf
		}
	}
	if spec.Reverse {
		sortField = "-" + sortField
	}
	query := s.coll.Find(cond).Sort(sortField)
	if spec.Limit > 0 {
		query = query.Limit(spec.Limit)
	}
	iter := query.Iter()
	var doc bson.M
	for iter.Next(&doc) {
		id, _ := doc["_id"].(string)
		found(tree.LimitToChild(id, path), bagFields(doc))
		doc = nil
	}
	return errors.Annotatef(iter.Close(), "querying children of %q", path)
}

func (s *Store) setScalar(path string, value interface{}) error {
	leaf := tree.LeafPath(path)
	if leaf == "" {
		return errors.Errorf("cannot write a primitive value at the root path")
	}
	parent := tree.ParentPath(path)
	logger.Tracef("setting %q -> %q = %v", parent, leaf, value)
	// The node may previously have held an object; its bags go away.
	if err := s.removeSubtree(path); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.coll.UpsertId(parent, bson.M{"$set": bson.M{leaf: value}}))
}

func (s *Store) removeValue(path string) error {
	leaf := tree.LeafPath(path)
	parent := tree.ParentPath(path)
	logger.Tracef("unsetting %q -> %q", parent, leaf)
	if leaf != "" {
		err := s.coll.UpdateId(parent, bson.M{"$unset": bson.M{leaf: 1}})
		if err != nil && !mongo.IsNotFound(err) {
			return errors.Trace(err)
		}
	}
	return errors.Trace(s.removeSubtree(path))
}

func (s *Store) setObject(path string, value map[string]interface{}) error {
	stale := make(map[string]bool)
	iter := s.coll.Find(bson.M{"_id": subtreeRegex(path)}).Sort("_id").Iter()
	var existing struct {
		ID string `bson:"_id"`
	}
	for iter.Next(&existing) {
		stale[existing.ID] = true
	}
	if err := iter.Close(); err != nil {
		return errors.Annotatef(err, "reading bags under %q", path)
	}

	var bags []bag
	if err := unroll(path, value, &bags); err != nil {
		return errors.Trace(err)
	}
	if len(bags) == 0 {
		logger.Tracef("nothing to write at %q", path)
		return nil
	}

	b := s.coll.Bulk()
	b.Unordered()
	for _, bg := range bags {
		doc := bson.M{"_id": bg.id}
		for k, v := range bg.fields {
			doc[k] = v
		}
		b.Upsert(bson.M{"_id": bg.id}, doc)
		delete(stale, bg.id)
	}
	for id := range stale {
		b.RemoveAll(bson.M{"_id": id})
	}
	logger.Tracef("writing %d bags, removing %d stale bags at %q", len(bags), len(stale), path)
	if err := b.Run(); err != nil {
		return errors.Annotatef(err, "write conflict at %q", path)
	}
	return nil
}

func (s *Store) removeSubtree(path string) error {
	b := s.coll.Bulk()
	b.Unordered()
	b.RemoveAll(bson.M{"_id": subtreeRegex(path)})
	return errors.Trace(b.Run())
}

type bag struct {
	id     string
	fields bson.M
}

// unroll decomposes a nested object into one bag per object node. Nil
// valued children produce no field; the wholesale document replacement
// on write drops whatever the field held before.
func unroll(path string, value map[string]interface{}, bags *[]bag) error {
	fields := bson.M{}
	for k, v := range value {
		if v == nil {
			continue
		}
		if strings.Contains(k, "/") {
			return errors.Errorf("invalid key %q at %q", k, path)
		}
		if nested, ok := v.(map[string]interface{}); ok {
			if err := unroll(path+"/"+k, nested, bags); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if !isScalar(v) {
			return errors.Errorf("unsupported value of type %T at %q", v, path+"/"+k)
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		*bags = append(*bags, bag{id: path, fields: fields})
	}
	return nil
}

func bagFields(doc bson.M) map[string]interface{} {
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		fields[k] = v
	}
	return fields
}

func subtreeRegex(path string) bson.RegEx {
	return bson.RegEx{Pattern: tree.SubtreePattern(path)}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint64:
		return true
	}
	return false
}
