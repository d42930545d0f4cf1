package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccountCreateThenChangeDeviceID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Accounts.Create(ctx, "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, "d1", created.DeviceID)

	account, err := store.Accounts.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, &Account{UserID: "u1", DeviceID: "d1"}, account)
	require.Nil(t, account.BackupVersion)
	require.Nil(t, account.SyncToken)
	require.Nil(t, account.DeviceTrackingStatus)
	require.Nil(t, account.OlmAccountData)
	require.False(t, account.GlobalBlacklistUnverifiedDevices)

	require.NoError(t, store.Accounts.SetDeviceID(ctx, "u1", "d2"))
	deviceID, err := store.Accounts.DeviceID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "d2", deviceID)
}

func TestAccountCreateTwiceFails(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Accounts.Create(ctx, "u1", "d1")
	require.NoError(t, err)
	_, err = store.Accounts.Create(ctx, "u1", "d9")
	require.ErrorIs(t, err, ErrAlreadyExists)

	deviceID, err := store.Accounts.DeviceID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "d1", deviceID)
}

func TestAccountAbsence(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	account, err := store.Accounts.Get(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, account)

	_, err = store.Accounts.DeviceID(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	token, err := store.Accounts.SyncToken(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, token)

	blacklist, err := store.Accounts.GlobalBlacklistUnverifiedDevices(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, blacklist)

	require.ErrorIs(t, store.Accounts.SetSyncToken(ctx, "nobody", "t"), ErrNotFound)
	require.ErrorIs(t, store.Accounts.SetOlmAccountData(ctx, "nobody", []byte{1}), ErrNotFound)
	require.ErrorIs(t, store.Accounts.Update(ctx, "nobody", func(*Account) error { return nil }), ErrNotFound)
}

func TestAccountNarrowSettersRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Accounts.Create(ctx, "u1", "d1")
	require.NoError(t, err)

	version := "v7"
	require.NoError(t, store.Accounts.SetSyncToken(ctx, "u1", "s_123"))
	require.NoError(t, store.Accounts.SetBackupVersion(ctx, "u1", &version))
	require.NoError(t, store.Accounts.SetDeviceTrackingStatus(ctx, "u1", []byte{0x01, 0x02}))
	require.NoError(t, store.Accounts.SetGlobalBlacklistUnverifiedDevices(ctx, "u1", true))
	require.NoError(t, store.Accounts.SetOlmAccountData(ctx, "u1", []byte("pickle")))

	account, err := store.Accounts.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "s_123", *account.SyncToken)
	require.Equal(t, "v7", *account.BackupVersion)
	require.Equal(t, []byte{0x01, 0x02}, account.DeviceTrackingStatus)
	require.True(t, account.GlobalBlacklistUnverifiedDevices)
	require.Equal(t, []byte("pickle"), account.OlmAccountData)

	require.NoError(t, store.Accounts.SetBackupVersion(ctx, "u1", nil))
	got, err := store.Accounts.BackupVersion(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, got)

	// Narrow writes leave the other columns alone.
	data, err := store.Accounts.OlmAccountData(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []byte("pickle"), data)
}

func TestAccountUpdateDiscardsOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Accounts.Create(ctx, "u1", "d1")
	require.NoError(t, err)

	err = store.Accounts.Update(ctx, "u1", func(a *Account) error {
		a.DeviceID = "d2"
		return ErrEncoding
	})
	require.ErrorIs(t, err, ErrEncoding)

	err = store.Accounts.Update(ctx, "u1", func(a *Account) error {
		a.UserID = "u2"
		return nil
	})
	require.ErrorIs(t, err, ErrConstraintViolation)

	deviceID, err := store.Accounts.DeviceID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "d1", deviceID)
}

func TestUserFindOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Users.FindOrCreate(ctx, "@alice:example.org")
	require.NoError(t, err)
	require.NoError(t, store.Users.StoreCrossSigningKeys(ctx, "@alice:example.org", []byte("keys")))
	second, err := store.Users.FindOrCreate(ctx, "@alice:example.org")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, []byte("keys"), second.CrossSigningKeysData)
	require.Equal(t, 1, countRows(t, store, `SELECT COUNT(1) FROM users WHERE id = ?`, "@alice:example.org"))
}

func TestUserCrossSigningKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	keys, err := store.Users.CrossSigningKeys(ctx, "@bob:example.org")
	require.NoError(t, err)
	require.Nil(t, keys)

	require.NoError(t, store.Users.StoreCrossSigningKeys(ctx, "@bob:example.org", []byte("bob")))
	require.NoError(t, store.Users.StoreCrossSigningKeys(ctx, "@alice:example.org", []byte("alice")))
	_, err = store.Users.FindOrCreate(ctx, "@carol:example.org")
	require.NoError(t, err)

	all, err := store.Users.AllCrossSigningKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("alice"), []byte("bob")}, all)

	require.NoError(t, store.Users.Delete(ctx, "@bob:example.org"))
	user, err := store.Users.Get(ctx, "@bob:example.org")
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestDeviceStoreCreatesUserAndLooksUpByIdentityKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	key := "curve-key"
	device := &Device{ID: "DEV1", UserID: "u1", IdentityKey: &key, Data: []byte("device")}
	require.NoError(t, store.Devices.Store(ctx, device))

	user, err := store.Users.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, user)

	got, err := store.Devices.Get(ctx, "u1", "DEV1")
	require.NoError(t, err)
	require.Equal(t, device, got)

	byKey, err := store.Devices.GetByIdentityKey(ctx, "curve-key")
	require.NoError(t, err)
	require.Equal(t, device, byKey)

	missing, err := store.Devices.Get(ctx, "u1", "DEV2")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDeviceReplaceForUser(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Devices.ReplaceForUser(ctx, "u1", []Device{
		{ID: "A", UserID: "u1"},
		{ID: "B", UserID: "u1"},
	}))
	require.NoError(t, store.Devices.Store(ctx, &Device{ID: "A", UserID: "u2"}))

	require.NoError(t, store.Devices.ReplaceForUser(ctx, "u1", []Device{
		{ID: "C", UserID: "u1", Data: []byte("c")},
	}))

	devices, err := store.Devices.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []Device{{ID: "C", UserID: "u1", Data: []byte("c")}}, devices)

	// Other users' devices are untouched.
	other, err := store.Devices.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestDeviceReplaceForUserRejectsForeignDevice(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Devices.Store(ctx, &Device{ID: "A", UserID: "u1"}))

	err := store.Devices.ReplaceForUser(ctx, "u1", []Device{
		{ID: "B", UserID: "u1"},
		{ID: "C", UserID: "u2"},
	})
	require.ErrorIs(t, err, ErrConstraintViolation)

	devices, err := store.Devices.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []Device{{ID: "A", UserID: "u1"}}, devices)
}

func TestRoomBlacklistCreatesRoomLazily(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RoomAlgorithms.SetBlacklistUnverifiedDevices(ctx, "r1", true))

	room, err := store.RoomAlgorithms.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, &RoomAlgorithm{RoomID: "r1", BlacklistUnverifiedDevices: true}, room)
	require.Nil(t, room.Algorithm)

	blacklist, err := store.RoomAlgorithms.BlacklistUnverifiedDevices(ctx, "missing-room")
	require.NoError(t, err)
	require.False(t, blacklist)

	require.NoError(t, store.RoomAlgorithms.SetAlgorithm(ctx, "r1", "m.megolm.v1.aes-sha2"))
	alg, err := store.RoomAlgorithms.Algorithm(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "m.megolm.v1.aes-sha2", *alg)

	blacklist, err = store.RoomAlgorithms.BlacklistUnverifiedDevices(ctx, "r1")
	require.NoError(t, err)
	require.True(t, blacklist)
}

func TestRoomFindOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.RoomAlgorithms.FindOrCreate(ctx, "r1")
	require.NoError(t, err)
	second, err := store.RoomAlgorithms.FindOrCreate(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, countRows(t, store, `SELECT COUNT(1) FROM room_algorithms`))

	rooms, err := store.RoomAlgorithms.List(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
}
