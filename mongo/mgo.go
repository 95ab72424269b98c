// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
)

// WrapCollection adapts a live *mgo.Collection to the Collection
// interface.
func WrapCollection(coll *mgo.Collection) Collection {
	return mgoCollection{coll}
}

type mgoCollection struct {
	coll *mgo.Collection
}

func (c mgoCollection) Find(query interface{}) Query {
	return mgoQuery{c.coll.Find(query)}
}

func (c mgoCollection) FindId(id interface{}) Query {
	return mgoQuery{c.coll.FindId(id)}
}

func (c mgoCollection) UpsertId(id interface{}, update interface{}) error {
	_, err := c.coll.UpsertId(id, update)
	return errors.Trace(err)
}

func (c mgoCollection) UpdateId(id interface{}, update interface{}) error {
	return c.coll.UpdateId(id, update)
}

func (c mgoCollection) Bulk() Bulk {
	return &mgoBulk{bulk: c.coll.Bulk()}
}

type mgoQuery struct {
	query *mgo.Query
}

func (q mgoQuery) Sort(fields ...string) Query {
	return mgoQuery{q.query.Sort(fields...)}
}

func (q mgoQuery) Limit(n int) Query {
	return mgoQuery{q.query.Limit(n)}
}

func (q mgoQuery) LogReplay() Query {
	return mgoQuery{q.query.LogReplay()}
}

func (q mgoQuery) One(result interface{}) error {
	return q.query.One(result)
}

func (q mgoQuery) Iter() Iterator {
	return q.query.Iter()
}

func (q mgoQuery) Tail(timeout time.Duration) Iterator {
	return q.query.Tail(timeout)
}

type mgoBulk struct {
	bulk *mgo.Bulk
}

func (b *mgoBulk) Unordered() {
	b.bulk.Unordered()
}

func (b *mgoBulk) Upsert(pairs ...interface{}) {
	b.bulk.Upsert(pairs...)
}

func (b *mgoBulk) RemoveAll(selectors ...interface{}) {
	b.bulk.RemoveAll(selectors...)
}

func (b *mgoBulk) Run() error {
	_, err := b.bulk.Run()
	return errors.Trace(err)
}
