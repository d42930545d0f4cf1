package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOlmSessionsOrderedByLastMessage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// A whole second followed by a fractional one: the pair that sorts
	// backwards when compared as RFC 3339 text.
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.OlmSessions.Store(ctx, &OlmSession{ID: "old", DeviceKey: "dk", LastReceivedMessageTimestamp: base, SessionData: []byte("old")}))
	require.NoError(t, store.OlmSessions.Store(ctx, &OlmSession{ID: "new", DeviceKey: "dk", LastReceivedMessageTimestamp: base.Add(500 * time.Millisecond), SessionData: []byte("new")}))
	require.NoError(t, store.OlmSessions.Store(ctx, &OlmSession{ID: "unused", DeviceKey: "dk"}))
	require.NoError(t, store.OlmSessions.Store(ctx, &OlmSession{ID: "other", DeviceKey: "dk2", LastReceivedMessageTimestamp: base}))

	sessions, err := store.OlmSessions.ListByDeviceKey(ctx, "dk")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.Equal(t, "new", sessions[0].ID)
	require.Equal(t, "old", sessions[1].ID)
	require.Equal(t, "unused", sessions[2].ID)
	require.True(t, base.Add(500*time.Millisecond).Equal(sessions[0].LastReceivedMessageTimestamp))
	require.True(t, base.Equal(sessions[1].LastReceivedMessageTimestamp))
	require.True(t, sessions[2].LastReceivedMessageTimestamp.IsZero())
}

func TestOlmSessionRejectsUnstorableTimestamp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.OlmSessions.Store(context.Background(), &OlmSession{
		ID:                           "s",
		DeviceKey:                    "dk",
		LastReceivedMessageTimestamp: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrEncoding)
}

func TestOlmSessionUpdate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.OlmSessions.Store(ctx, &OlmSession{ID: "s", DeviceKey: "dk", LastReceivedMessageTimestamp: time.Unix(0, 0)}))

	later := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.OlmSessions.Update(ctx, "s", "dk", func(s *OlmSession) error {
		require.NotNil(t, s)
		s.SessionData = []byte("ratcheted")
		s.LastReceivedMessageTimestamp = later
		return nil
	}))

	got, err := store.OlmSessions.Get(ctx, "s", "dk")
	require.NoError(t, err)
	require.Equal(t, []byte("ratcheted"), got.SessionData)
	require.True(t, later.Equal(got.LastReceivedMessageTimestamp))

	var seen *OlmSession
	seenCalled := false
	require.NoError(t, store.OlmSessions.Update(ctx, "missing", "dk", func(s *OlmSession) error {
		seenCalled = true
		seen = s
		return nil
	}))
	require.True(t, seenCalled)
	require.Nil(t, seen)
	require.Equal(t, 1, countRows(t, store, `SELECT COUNT(1) FROM olm_sessions`))
}

func TestInboundGroupSessionUpsertNeverClearsBackedUp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InboundGroupSessions.Store(ctx, InboundGroupSession{ID: "s1", SenderKey: "k", SessionData: []byte("v1"), BackedUp: true}))
	require.NoError(t, store.InboundGroupSessions.Store(ctx, InboundGroupSession{ID: "s1", SenderKey: "k", SessionData: []byte("v2")}))

	got, err := store.InboundGroupSessions.Get(ctx, "s1", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.SessionData)
	require.True(t, got.BackedUp)
}

func TestInboundGroupSessionUpdateCannotClearBackedUp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InboundGroupSessions.Store(ctx, InboundGroupSession{ID: "s1", SenderKey: "k", SessionData: []byte("a")}))
	require.NoError(t, store.InboundGroupSessions.MarkBackedUp(ctx, SessionRef{ID: "s1", SenderKey: "k"}))

	require.NoError(t, store.InboundGroupSessions.Update(ctx, "s1", "k", func(s *InboundGroupSession) error {
		s.SessionData = []byte("b")
		s.BackedUp = false
		return nil
	}))

	count, err := store.InboundGroupSessions.Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	got, err := store.InboundGroupSessions.Get(ctx, "s1", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.SessionData)
	require.True(t, got.BackedUp)

	// Raising the flag through Update still works.
	require.NoError(t, store.InboundGroupSessions.Store(ctx, InboundGroupSession{ID: "s2", SenderKey: "k"}))
	require.NoError(t, store.InboundGroupSessions.Update(ctx, "s2", "k", func(s *InboundGroupSession) error {
		s.BackedUp = true
		return nil
	}))
	count, err = store.InboundGroupSessions.Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestInboundGroupSessionBackupMarkers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InboundGroupSessions.Store(ctx,
		InboundGroupSession{ID: "s1", SenderKey: "k", BackedUp: true},
		InboundGroupSession{ID: "s2", SenderKey: "k"},
		InboundGroupSession{ID: "s3", SenderKey: "k"},
	))

	require.NoError(t, store.InboundGroupSessions.ResetBackupMarkers(ctx))
	count, err := store.InboundGroupSessions.Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.NoError(t, store.InboundGroupSessions.MarkBackedUp(ctx,
		SessionRef{ID: "s2", SenderKey: "k"},
		SessionRef{ID: "unknown", SenderKey: "k"},
	))
	count, err = store.InboundGroupSessions.Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	s2, err := store.InboundGroupSessions.Get(ctx, "s2", "k")
	require.NoError(t, err)
	require.True(t, s2.BackedUp)

	total, err := store.InboundGroupSessions.Count(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 3, total)

	pending, err := store.InboundGroupSessions.ListNotBackedUp(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.False(t, pending[0].BackedUp)

	pending, err = store.InboundGroupSessions.ListNotBackedUp(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = store.InboundGroupSessions.ListNotBackedUp(ctx, 0)
	require.ErrorIs(t, err, ErrConstraintViolation)
}

func TestInboundGroupSessionBulkStoreIsAllOrNothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	err := store.InboundGroupSessions.Store(ctx,
		InboundGroupSession{ID: "s1", SenderKey: "k"},
		InboundGroupSession{ID: "", SenderKey: "k"},
	)
	require.ErrorIs(t, err, ErrConstraintViolation)

	all, err := store.InboundGroupSessions.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestInboundGroupSessionUpdateAndDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InboundGroupSessions.Store(ctx, InboundGroupSession{ID: "s1", SenderKey: "k", SessionData: []byte("a")}))

	require.NoError(t, store.InboundGroupSessions.Update(ctx, "s1", "k", func(s *InboundGroupSession) error {
		s.SessionData = []byte("b")
		return nil
	}))
	got, err := store.InboundGroupSessions.Get(ctx, "s1", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.SessionData)

	require.NoError(t, store.InboundGroupSessions.Delete(ctx, "s1", "k"))
	got, err = store.InboundGroupSessions.Get(ctx, "s1", "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOutboundGroupSessionReplacesRoomSession(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.OutboundGroupSessions.Store(ctx, &OutboundGroupSession{RoomID: "r1", SessionID: "first", CreationTime: created}))
	require.NoError(t, store.OutboundGroupSessions.Store(ctx, &OutboundGroupSession{RoomID: "r1", SessionID: "second", SessionData: []byte("x"), CreationTime: created.Add(time.Minute)}))

	got, err := store.OutboundGroupSessions.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "second", got.SessionID)
	require.Equal(t, []byte("x"), got.SessionData)
	require.True(t, created.Add(time.Minute).Equal(got.CreationTime))

	all, err := store.OutboundGroupSessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.OutboundGroupSessions.Delete(ctx, "r1"))
	got, err = store.OutboundGroupSessions.Get(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSharedSessionIndexNeverDecreases(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Devices.Store(ctx, &Device{ID: "d1", UserID: "u1"}))

	share := func(index uint32) {
		recipients := UsersDevicesMap{}
		recipients.Set("u1", "d1", index)
		skipped, err := store.SharedSessions.RecordShare(ctx, "room", "session", recipients)
		require.NoError(t, err)
		require.Empty(t, skipped)
	}
	share(3)
	share(1)

	index, err := store.SharedSessions.IndexFor(ctx, "room", "session", "u1", "d1")
	require.NoError(t, err)
	require.NotNil(t, index)
	require.Equal(t, uint32(3), *index)

	share(5)
	index, err = store.SharedSessions.IndexFor(ctx, "room", "session", "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, uint32(5), *index)
	require.Equal(t, 1, countRows(t, store, `SELECT COUNT(1) FROM shared_outbound_sessions`))
}

func TestSharedSessionSkipsUnknownRecipients(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Devices.Store(ctx, &Device{ID: "d1", UserID: "u1"}))
	_, err := store.Users.FindOrCreate(ctx, "u3")
	require.NoError(t, err)

	recipients := UsersDevicesMap{}
	recipients.Set("u1", "d1", 0)
	recipients.Set("u1", "gone", 0)
	recipients.Set("u2", "d1", 0)
	recipients.Set("u3", "d1", 0)

	skipped, err := store.SharedSessions.RecordShare(ctx, "room", "session", recipients)
	require.NoError(t, err)
	require.Equal(t, []Recipient{
		{UserID: "u1", DeviceID: "gone"},
		{UserID: "u2", DeviceID: "d1"},
		{UserID: "u3", DeviceID: "d1"},
	}, skipped)

	all, err := store.SharedSessions.AllIndices(ctx, "room", "session")
	require.NoError(t, err)
	require.Equal(t, UsersDevicesMap{"u1": {"d1": 0}}, all)

	missing, err := store.SharedSessions.IndexFor(ctx, "room", "session", "u2", "d1")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.SharedSessions.DeleteSession(ctx, "room", "session"))
	all, err = store.SharedSessions.AllIndices(ctx, "room", "session")
	require.NoError(t, err)
	require.Empty(t, all)
}
