package xmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerUpsertInsertThenConflict(t *testing.T) {
	c := NewContainer[string, *int](NopStats{})
	var inserted, reacted []string
	c.OnInsert = func(key string, val *int) { inserted = append(inserted, key) }
	c.OnReact = func(key string, val *int, existed, changed bool) {
		reacted = append(reacted, key)
	}

	one := 1
	val, existed, changed := c.Upsert("a", &one)
	require.False(t, existed)
	assert.True(t, changed)
	assert.Equal(t, &one, val)
	assert.Equal(t, []string{"a"}, inserted)
	assert.Equal(t, []string{"a"}, reacted)

	two := 2
	c.OnConflict = func(key string, existing, tmpl *int) bool {
		*existing = *tmpl
		return true
	}
	val2, existed2, changed2 := c.Upsert("a", &two)
	assert.True(t, existed2)
	assert.True(t, changed2)
	assert.Equal(t, 2, *val2)
	assert.Equal(t, []string{"a", "a"}, reacted)
}

func TestContainerDelWithOutstandingHandleDefersFree(t *testing.T) {
	c := NewContainer[string, *int](NopStats{})
	var freed []string
	c.OnDelete = func(key string, val *int) { freed = append(freed, key) }

	one := 1
	c.Upsert("a", &one)
	_, h, ok := c.Acquire("a")
	require.True(t, ok)

	c.Del("a")
	assert.Empty(t, freed, "value must not be freed while a handle is outstanding")
	_, stillThere := c.Get("a")
	assert.False(t, stillThere, "Del must hide the item from Get immediately")

	h.Release()
	assert.Equal(t, []string{"a"}, freed, "releasing the last handle must free the item")
}

func TestContainerWalkWriteDeletesAndDefersOnDelete(t *testing.T) {
	c := NewContainer[string, *int](NopStats{})
	var freed []string
	c.OnDelete = func(key string, val *int) { freed = append(freed, key) }

	for _, k := range []string{"a", "b", "c"} {
		v := 1
		c.Upsert(k, &v)
	}

	c.WalkWrite(func(key string, val *int) bool {
		return key == "b"
	})

	assert.Equal(t, []string{"b"}, freed)
	assert.Equal(t, 2, c.Len())
}

func TestContainerWalkReadStopsEarly(t *testing.T) {
	c := NewContainer[string, *int](NopStats{})
	for _, k := range []string{"a", "b", "c"} {
		v := 1
		c.Upsert(k, &v)
	}
	visited := 0
	c.WalkRead(func(string, *int) bool {
		visited++
		return visited < 1
	})
	assert.Equal(t, 1, visited)
}
