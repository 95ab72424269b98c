// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tree_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/treebroker/tree"
)

type recomposeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&recomposeSuite{})

type bag struct {
	id     string
	fields map[string]interface{}
}

var userBags = []bag{
	{"/user/1", map[string]interface{}{"name": "a"}},
	{"/user/1/addr", map[string]interface{}{"city": "x", "zip": "1"}},
	{"/user/1/addr/geo", map[string]interface{}{"lat": 1.5}},
}

var userValue = map[string]interface{}{
	"name": "a",
	"addr": map[string]interface{}{
		"city": "x",
		"zip":  "1",
		"geo":  map[string]interface{}{"lat": 1.5},
	},
}

func recompose(base string, bags []bag) interface{} {
	r := tree.NewRecomposer(base)
	for _, b := range bags {
		r.Add(b.id, b.fields)
	}
	return r.Value()
}

func (s *recomposeSuite) TestNested(c *gc.C) {
	c.Assert(recompose("/user/1", userBags), jc.DeepEquals, userValue)
}

func (s *recomposeSuite) TestOrderIndependent(c *gc.C) {
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for i, p := range perms {
		c.Logf("permutation %d: %v", i, p)
		bags := []bag{userBags[p[0]], userBags[p[1]], userBags[p[2]]}
		c.Check(recompose("/user/1", bags), jc.DeepEquals, userValue)
	}
}

func (s *recomposeSuite) TestMissingIntermediateBag(c *gc.C) {
	// A bag deep under the base still wires all intermediate levels,
	// even though no bag exists for them.
	bags := []bag{{"/user/1/addr/geo", map[string]interface{}{"lat": 1.5}}}
	c.Assert(recompose("/user/1", bags), jc.DeepEquals, map[string]interface{}{
		"addr": map[string]interface{}{
			"geo": map[string]interface{}{"lat": 1.5},
		},
	})
}

func (s *recomposeSuite) TestEmpty(c *gc.C) {
	r := tree.NewRecomposer("/user/1")
	c.Assert(r.Value(), gc.IsNil)
}

func (s *recomposeSuite) TestMergeIntoExistingReference(c *gc.C) {
	r := tree.NewRecomposer("/n")
	r.Add("/n/a", map[string]interface{}{"x": 1})
	r.Add("/n/a", map[string]interface{}{"y": 2})
	c.Assert(r.Value(), jc.DeepEquals, map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
	})
}
