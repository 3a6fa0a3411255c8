package runtime

import (
	"testing"

	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestReaderSet_OldestEmpty(t *testing.T) {
	rs := newReaderSet()
	_, ok := rs.oldest()
	assert.False(t, ok)
}

func TestReaderSet_OldestTracksMinimum(t *testing.T) {
	rs := newReaderSet()

	id1 := rs.begin(types.Timestamp(10))
	id2 := rs.begin(types.Timestamp(3))
	id3 := rs.begin(types.Timestamp(7))

	ts, ok := rs.oldest()
	assert.True(t, ok)
	assert.Equal(t, types.Timestamp(3), ts)

	rs.end(id2)
	ts, ok = rs.oldest()
	assert.True(t, ok)
	assert.Equal(t, types.Timestamp(7), ts)

	rs.end(id1)
	rs.end(id3)
	_, ok = rs.oldest()
	assert.False(t, ok)
}

func TestReaderSet_EndUnknownIDIsNoop(t *testing.T) {
	rs := newReaderSet()
	id := rs.begin(types.Timestamp(5))
	rs.end(id + 100)

	ts, ok := rs.oldest()
	assert.True(t, ok)
	assert.Equal(t, types.Timestamp(5), ts)
}
