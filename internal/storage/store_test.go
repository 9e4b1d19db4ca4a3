package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseInt64List(t *testing.T) {
	assert.Nil(t, ParseInt64List(nil))

	empty := ""
	assert.Nil(t, ParseInt64List(&empty))

	list := "1,2,3"
	assert.Equal(t, []int64{1, 2, 3}, ParseInt64List(&list))

	withSpaces := "4, 5 ,6"
	assert.Equal(t, []int64{4, 5, 6}, ParseInt64List(&withSpaces))

	withGarbage := "7,notanumber,8"
	assert.Equal(t, []int64{7, 8}, ParseInt64List(&withGarbage))
}

func TestJoinInt64RoundTrip(t *testing.T) {
	ids := []int64{10, 20, 30}
	joined := joinInt64(ids)
	if assert.NotNil(t, joined) {
		assert.Equal(t, ids, ParseInt64List(joined))
	}

	assert.Nil(t, joinInt64(nil))
}

func TestNullStr(t *testing.T) {
	assert.Nil(t, nullStr(""))
	s := nullStr("hello")
	if assert.NotNil(t, s) {
		assert.Equal(t, "hello", *s)
	}
}
