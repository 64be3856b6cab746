package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open("")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = st.Close()
	})

	return st
}

// collect subscribes to a collection and returns a channel of snapshots.
func collect(t *testing.T, st *Store, collection string) (<-chan Snapshot, func()) {
	t.Helper()

	events := make(chan Snapshot, 16)
	cancel, err := st.SubscribeToCollection(collection, func(snap Snapshot) {
		events <- snap
	}, nil)
	require.NoError(t, err)

	return events, cancel
}

func nextSnapshot(t *testing.T, events <-chan Snapshot) Snapshot {
	t.Helper()

	select {
	case snap := <-events:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestWriteAndReadDocument(t *testing.T) {
	st := openTestStore(t)

	want := testDoc{Label: "hello", Count: 3}
	require.NoError(t, st.WriteDocument("family/things/a", want))

	raw, exists, err := st.ReadDocument("family/things/a")
	require.NoError(t, err)
	require.True(t, exists)

	var got testDoc
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestReadMissingDocument(t *testing.T) {
	st := openTestStore(t)

	raw, exists, err := st.ReadDocument("family/things/nope")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, raw)
}

func TestAppendAssignsUniqueIDs(t *testing.T) {
	st := openTestStore(t)

	first, err := st.AppendDocument("family/things", testDoc{Label: "one"})
	require.NoError(t, err)
	second, err := st.AppendDocument("family/things", testDoc{Label: "two"})
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)

	_, exists, err := st.ReadDocument("family/things/" + first)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSubscribeDeliversInitialAndLiveSnapshots(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.WriteDocument("family/things/a", testDoc{Label: "a"}))

	events, cancel := collect(t, st, "family/things")
	defer cancel()

	// Initial snapshot reflects pre-existing contents.
	snap := nextSnapshot(t, events)
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)

	require.NoError(t, st.WriteDocument("family/things/b", testDoc{Label: "b"}))

	snap = nextSnapshot(t, events)
	require.Len(t, snap, 2)
}

func TestSnapshotExcludesNestedCollections(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.WriteDocument("family/things/a", testDoc{Label: "a"}))
	require.NoError(t, st.WriteDocument("family/things/nested/b", testDoc{Label: "b"}))

	events, cancel := collect(t, st, "family/things")
	defer cancel()

	snap := nextSnapshot(t, events)
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)
}

func TestWritesToOtherCollectionsNotDelivered(t *testing.T) {
	st := openTestStore(t)

	events, cancel := collect(t, st, "family/things")
	defer cancel()

	nextSnapshot(t, events) // initial

	require.NoError(t, st.WriteDocument("family/other/a", testDoc{Label: "a"}))

	select {
	case <-events:
		t.Fatal("unrelated collection write was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	st := openTestStore(t)

	events, cancel := collect(t, st, "family/things")
	nextSnapshot(t, events) // initial

	cancel()
	cancel() // safe to call twice

	require.NoError(t, st.WriteDocument("family/things/a", testDoc{Label: "a"}))

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("snapshot delivered after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	st, err := Open("")
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close()) // idempotent

	assert.Error(t, st.WriteDocument("family/things/a", testDoc{}))

	_, err = st.SubscribeToCollection("family/things", func(Snapshot) {}, nil)
	assert.Error(t, err)
}
