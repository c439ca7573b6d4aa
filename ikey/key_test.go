package ikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareOrdersPrefixesShorterFirst(t *testing.T) {
	short := New([]byte("Hell"))
	long := New([]byte("Hello"))

	assert.Negative(t, Compare(short.Bytes(), long.Bytes()))
	assert.Positive(t, Compare(long.Bytes(), short.Bytes()))
	assert.Zero(t, Compare(New([]byte("abc")).Bytes(), New([]byte("abc")).Bytes()))
}

func TestBorrowDoesNotCopy(t *testing.T) {
	buf := []byte("borrowed")
	k := Borrow(buf)

	assert.True(t, k.IsBorrowed())
	assert.Equal(t, "borrowed", string(k.Bytes()))

	owned := k.Own()
	assert.False(t, owned.IsBorrowed())
	assert.True(t, Equal(k.Bytes(), owned.Bytes()))
}

func TestSerializeRoundtrip(t *testing.T) {
	k := New([]byte("roundtrip-key"))
	buf := k.Serialize()

	decoded, n := Deserialize(buf)
	assert.Equal(t, len(buf), n)
	assert.True(t, Equal(k.Bytes(), decoded.Bytes()))
}

func TestEmptyKey(t *testing.T) {
	var k Key
	assert.True(t, k.Empty())
	assert.Equal(t, 0, k.Len())
}
