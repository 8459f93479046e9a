package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_Format(t *testing.T) {
	g := UUIDv7Generator{}
	id := g.Generate()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err, "generated id should be a valid UUID")
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Generate()
		assert.False(t, seen[id], "id %s generated twice", id)
		seen[id] = true
	}
}

func TestFixedGenerator_InOrder(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() }, "exhausted generator should panic")
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("tick")
	assert.Equal(t, "tick-1", g.Generate())
	assert.Equal(t, "tick-2", g.Generate())
	assert.Equal(t, "tick-3", g.Generate())
}
