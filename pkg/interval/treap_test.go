package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(start, end string) Key {
	return Key{Start: []byte(start), End: []byte(end)}
}

func TestTree_QueryFindsOverlappingSubscribers(t *testing.T) {
	tr := NewTree(0)
	require.NoError(t, tr.Insert(key("a", "m"), "sub1"))
	require.NoError(t, tr.Insert(key("g", "z"), "sub2"))
	require.NoError(t, tr.Insert(key("q", "r"), "sub3"))

	got := tr.Query([]byte("h"))
	assert.ElementsMatch(t, []Subscriber{"sub1", "sub2"}, got)

	got = tr.Query([]byte("q"))
	assert.ElementsMatch(t, []Subscriber{"sub2", "sub3"}, got)

	got = tr.Query([]byte("zz"))
	assert.Empty(t, got)
}

func TestTree_HalfOpenBoundary(t *testing.T) {
	tr := NewTree(0)
	require.NoError(t, tr.Insert(key("a", "m"), "sub1"))

	assert.ElementsMatch(t, []Subscriber{"sub1"}, tr.Query([]byte("a")))
	assert.Empty(t, tr.Query([]byte("m")), "end is exclusive")
}

func TestTree_DedupesSameSubscriberAcrossIntervals(t *testing.T) {
	tr := NewTree(0)
	require.NoError(t, tr.InsertBatch([]Key{key("a", "f"), key("e", "m")}, "sub1"))

	got := tr.Query([]byte("e"))
	assert.Equal(t, []Subscriber{"sub1"}, got)
}

func TestTree_RemoveDropsOnlyThatSubscriber(t *testing.T) {
	tr := NewTree(0)
	require.NoError(t, tr.Insert(key("a", "m"), "sub1"))
	require.NoError(t, tr.Insert(key("a", "m"), "sub2"))
	require.Equal(t, 2, tr.Len())

	tr.Remove("sub1")
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, []Subscriber{"sub2"}, tr.Query([]byte("b")))
}

func TestTree_InsertRespectsLimit(t *testing.T) {
	tr := NewTree(1)
	require.NoError(t, tr.Insert(key("a", "m"), "sub1"))
	assert.ErrorIs(t, tr.Insert(key("n", "z"), "sub2"), ErrTooFull)
	assert.Equal(t, 1, tr.Len())
}

func TestTree_InsertBatchIsAllOrNothing(t *testing.T) {
	tr := NewTree(1)
	err := tr.InsertBatch([]Key{key("a", "m"), key("n", "z")}, "sub1")
	assert.ErrorIs(t, err, ErrTooFull)
	assert.Equal(t, 0, tr.Len(), "a rejected batch must not partially apply")
}
