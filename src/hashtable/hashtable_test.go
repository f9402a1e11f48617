package hashtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	ht := MkHash(4)

	_, added := ht.Set(uint(1), "one")
	assert.True(t, added)
	_, added = ht.Set(uint(1), "again")
	assert.False(t, added, "setting an existing key must not overwrite it")

	v, ok := ht.Get(uint(1))
	require.True(t, ok)
	assert.Equal(t, "one", v)

	_, ok = ht.Get(uint(2))
	assert.False(t, ok)

	ht.Del(uint(1))
	_, ok = ht.Get(uint(1))
	assert.False(t, ok)
}

func TestDelOfMissingKeyPanics(t *testing.T) {
	ht := MkHash(4)
	assert.Panics(t, func() { ht.Del(uint(99)) })
}

func TestSizeCountsAcrossBuckets(t *testing.T) {
	ht := MkHash(2)
	for i := uint(0); i < 10; i++ {
		ht.Set(i, int(i))
	}
	assert.Equal(t, 10, ht.Size())
}
