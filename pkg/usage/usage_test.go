package usage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogLine_NoTruncationUnderLimits(t *testing.T) {
	at := time.UnixMilli(1000)
	line := NewLogLine(LevelWarn, []interface{}{"hi", "x"}, at)

	assert.Equal(t, LevelWarn, line.Level)
	assert.Equal(t, []interface{}{"hi", "x"}, line.Messages)
	assert.False(t, line.IsTruncated)
	assert.Equal(t, int64(1000), line.Timestamp)
	assert.Nil(t, line.SystemMetadata)
}

func TestNewLogLine_WireFormMatchesDocumentedShape(t *testing.T) {
	line := NewLogLine(LevelWarn, []interface{}{"hi", "x"}, time.UnixMilli(1000))
	b, err := json.Marshal(line)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"WARN","messages":["hi","x"],"isTruncated":false,"timestamp":1000,"systemMetadata":null}`, string(b))
}

func TestNewLogLine_TruncatesMessageCount(t *testing.T) {
	args := make([]interface{}, maxLogMessages+5)
	for i := range args {
		args[i] = i
	}
	line := NewLogLine(LevelInfo, args, time.Now())
	assert.Len(t, line.Messages, maxLogMessages)
	assert.True(t, line.IsTruncated)
}

func TestNewLogLine_TruncatesLongStringMessages(t *testing.T) {
	long := strings.Repeat("a", maxLogMessageLen+100)
	line := NewLogLine(LevelInfo, []interface{}{long}, time.Now())
	require.Len(t, line.Messages, 1)
	assert.Len(t, line.Messages[0].(string), maxLogMessageLen)
	assert.True(t, line.IsTruncated)
}

func TestNewLogLine_NonStringArgumentsPassThroughUntouched(t *testing.T) {
	line := NewLogLine(LevelDebug, []interface{}{42, true, nil}, time.Now())
	assert.Equal(t, []interface{}{42, true, nil}, line.Messages)
	assert.False(t, line.IsTruncated)
}

func TestTracker_RecordLog_FansOutToSubscribers(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	sub := tr.SubscribeLogs()
	defer tr.UnsubscribeLogs(sub)

	tr.RecordLog(NewLogLine(LevelInfo, []interface{}{"hello"}, time.Now()))

	select {
	case line := <-sub:
		require.NotNil(t, line)
		assert.Equal(t, LevelInfo, line.Level)
		assert.Equal(t, []interface{}{"hello"}, line.Messages)
	case <-time.After(time.Second):
		t.Fatal("did not receive log line")
	}
}

func TestTracker_UnsubscribeLogsStopsFutureDelivery(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	sub := tr.SubscribeLogs()
	tr.UnsubscribeLogs(sub)

	tr.RecordLog(NewLogLine(LevelInfo, []interface{}{"hello"}, time.Now()))

	_, open := <-sub
	assert.False(t, open, "unsubscribing closes the channel")
}

func TestTracker_Record_RoundsUpToMinimumUnitAndBroadcasts(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	sub := tr.Subscribe()
	defer tr.Unsubscribe(sub)

	tr.Record("query", "messages", KindDatabaseRead, 1)

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.Equal(t, int64(minimumUnit), ev.Bytes, "a 1-byte read is rounded up to the minimum billable unit")
	case <-time.After(time.Second):
		t.Fatal("did not receive usage event")
	}

	snap := tr.Snapshot("query")
	assert.Equal(t, int64(minimumUnit), snap[KindDatabaseRead])
}

func TestTracker_Record_IgnoresNonPositiveAmounts(t *testing.T) {
	tr := NewTracker()
	tr.Record("query", "messages", KindDatabaseRead, 0)
	tr.Record("query", "messages", KindDatabaseRead, -5)
	assert.Empty(t, tr.Snapshot("query"))
}

func TestTracker_Snapshot_AggregatesAcrossTables(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	tr.Record("query", "a", KindDatabaseRead, 1)
	tr.Record("query", "b", KindDatabaseRead, 1)
	tr.Record("mutation", "a", KindDatabaseWrite, 1)

	snap := tr.Snapshot("query")
	assert.Equal(t, int64(2*minimumUnit), snap[KindDatabaseRead])
	assert.NotContains(t, snap, KindDatabaseWrite)
}

func TestFromValueSize(t *testing.T) {
	assert.Equal(t, int64(0), FromValueSize(nil))

	s := types.String("hello")
	assert.Equal(t, int64(5), FromValueSize(&s))

	obj := types.Object(map[string]types.Value{"k": types.String("abc")})
	assert.Equal(t, int64(len("k")+3), FromValueSize(&obj))
}
