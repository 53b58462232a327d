// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quant

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
	"github.com/stretchr/testify/assert"
)

func TestClassifyEdge(t *testing.T) {
	for _, tc := range []struct {
		x, y UMICount
		want EdgeType
	}{
		{UMICount{0, 10}, UMICount{1, 3}, XToY},
		{UMICount{1, 3}, UMICount{0, 10}, YToX},
		{UMICount{0, 4}, UMICount{1, 3}, BiDirected},
		{UMICount{0, 4}, UMICount{1, 2}, XToY},
		{UMICount{0, 1}, UMICount{1, 1}, BiDirected},
		{UMICount{0, 100}, UMICount{5, 1}, NoEdge},
		{UMICount{6, 1}, UMICount{6, 50}, BiDirected},
	} {
		assert.Equal(t, tc.want, ClassifyEdge(tc.x, tc.y), "x=%v y=%v", tc.x, tc.y)
	}
}

func TestGraphWithinClass(t *testing.T) {
	m := NewEqMap(1)
	var reads []rad.Record
	for i := 0; i < 10; i++ {
		reads = append(reads, rec(1, 0, 0))
	}
	for i := 0; i < 3; i++ {
		reads = append(reads, rec(1, 1, 0))
	}
	reads = append(reads, rec(1, 5, 0))
	m.InitFromChunk(&rad.Chunk{Reads: reads})

	g := ExtractGraph(m)
	expect.EQ(t, g.NumVertices(), 3)
	expect.EQ(t, g.NumEdges(), 2)
	v0, v1, v2 := g.Vertex(0, 0), g.Vertex(0, 1), g.Vertex(0, 2)
	assert.True(t, g.HasEdge(v0, v1))
	assert.False(t, g.HasEdge(v1, v0))
	assert.True(t, g.HasEdge(v1, v2))
	assert.False(t, g.HasEdge(v0, v2), "UMIs two bases apart are not linked")
}

func TestGraphAcrossClasses(t *testing.T) {
	m := NewEqMap(3)
	m.InitFromChunk(&rad.Chunk{Reads: []rad.Record{
		rec(1, 0, 0),
		rec(1, 0, 0),
		rec(1, 1, 0, 1),
		rec(1, 1, 2),
		rec(1, 3, 2),
	}})
	// Classes: {0} [0], {0,1} [1], {2} [1, 3].
	g := ExtractGraph(m)
	expect.EQ(t, g.NumVertices(), 4)
	a, b := g.Vertex(0, 0), g.Vertex(1, 0)
	assert.True(t, g.HasEdge(a, b))
	assert.False(t, g.HasEdge(b, a))
	c, d := g.Vertex(2, 0), g.Vertex(2, 1)
	assert.True(t, g.HasEdge(c, d))
	assert.True(t, g.HasEdge(d, c))
	assert.False(t, g.HasEdge(b, c), "classes without a shared transcript are not compared")
	expect.EQ(t, g.NumEdges(), 3)

	for v := uint32(0); v < uint32(g.NumVertices()); v++ {
		eq, rank := g.Node(v)
		expect.EQ(t, g.Vertex(eq, rank), v)
	}

	// Rebuilding over a smaller cell drops the old vertices and edges.
	m.Clear()
	m.InitFromChunk(&rad.Chunk{Reads: []rad.Record{rec(2, 0, 1)}})
	g.Build(m)
	expect.EQ(t, g.NumVertices(), 1)
	expect.EQ(t, g.NumEdges(), 0)
	assert.Empty(t, g.Successors(0))
}
