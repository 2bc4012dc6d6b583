package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCache_SetTagsKeepsPublishedSnapshot(t *testing.T) {
	c := newNodeCache()
	published := map[string]Node{
		"p1": {ID: "p1", Tags: map[string]string{TagClusterName: "c1"}},
	}
	generation := c.replace(published)

	require.True(t, c.setTags("p1", map[string]string{TagClusterName: "c1", "role": "worker"}))
	assert.False(t, c.setTags("ghost", map[string]string{"a": "b"}))

	// the map handed to replace is not written after publication
	assert.Equal(t, map[string]string{TagClusterName: "c1"}, published["p1"].Tags)

	n, ok := c.get("p1")
	require.True(t, ok)
	assert.Equal(t, "worker", n.Tags["role"])

	gen, _ := c.stats()
	assert.Equal(t, generation, gen)
	assert.Equal(t, 1, c.len())
}
