package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seed(t *testing.T, a *Accounts, w Whatsapp) int64 {
	t.Helper()
	require.NoError(t, a.Create(context.Background(), &w))
	return w.ID
}

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestAccounts_LoadDefaults(t *testing.T) {
	a := NewAccounts(testDB(t))
	id := seed(t, a, Whatsapp{CompanyID: 9, Name: "sales"})

	acc, err := a.LoadAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, acc.ID)
	assert.Equal(t, int64(9), acc.TenantID)
	assert.Equal(t, "sales", acc.Name)
	assert.Equal(t, session.StatusPending, acc.Status)
	assert.Nil(t, acc.ImportWindow)
}

func TestAccounts_LoadMissing(t *testing.T) {
	a := NewAccounts(testDB(t))
	_, err := a.LoadAccount(context.Background(), 404)
	assert.ErrorIs(t, err, session.ErrAccountNotFound)
}

func TestAccounts_ImportWindow(t *testing.T) {
	a := NewAccounts(testDB(t))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	id := seed(t, a, Whatsapp{
		CompanyID:               1,
		ImportOldMessages:       &start,
		ImportRecentMessages:    &end,
		ImportOldMessagesGroups: true,
	})

	acc, err := a.LoadAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, acc.ImportWindow)
	assert.True(t, acc.ImportWindow.Start.Equal(start))
	assert.True(t, acc.ImportWindow.End.Equal(end))
	assert.True(t, acc.ImportWindow.IncludeGroups)
}

func TestAccounts_HalfWindowIsIgnored(t *testing.T) {
	a := NewAccounts(testDB(t))
	start := time.Now()
	id := seed(t, a, Whatsapp{CompanyID: 1, ImportOldMessages: &start})

	acc, err := a.LoadAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, acc.ImportWindow)
}

func TestAccounts_UpdateStatusPartial(t *testing.T) {
	ctx := context.Background()
	a := NewAccounts(testDB(t))
	id := seed(t, a, Whatsapp{CompanyID: 1, Number: "5511"})

	require.NoError(t, a.UpdateStatus(ctx, id, session.StatusQRCode, session.StatusFields{
		QRCode:  strp("2@abc"),
		Retries: intp(2),
	}))

	var w Whatsapp
	require.NoError(t, a.db.First(&w, id).Error)
	assert.Equal(t, string(session.StatusQRCode), w.Status)
	assert.Equal(t, "2@abc", w.QRCode)
	assert.Equal(t, 2, w.Retries)
	assert.Equal(t, "5511", w.Number)

	require.NoError(t, a.UpdateStatus(ctx, id, session.StatusDisconnected, session.StatusFields{
		QRCode:  strp(""),
		Retries: intp(0),
	}))
	require.NoError(t, a.db.First(&w, id).Error)
	assert.Equal(t, string(session.StatusDisconnected), w.Status)
	assert.Empty(t, w.QRCode)
	assert.Zero(t, w.Retries)
}

func TestAccounts_UpdateMissing(t *testing.T) {
	a := NewAccounts(testDB(t))
	err := a.UpdateStatus(context.Background(), 5, session.StatusPending, session.StatusFields{})
	assert.ErrorIs(t, err, session.ErrAccountNotFound)
	err = a.UpdateImportProgress(context.Background(), 5, "Running")
	assert.ErrorIs(t, err, session.ErrAccountNotFound)
}

func TestAccounts_ImportProgress(t *testing.T) {
	ctx := context.Background()
	a := NewAccounts(testDB(t))
	id := seed(t, a, Whatsapp{CompanyID: 1})

	require.NoError(t, a.UpdateImportProgress(ctx, id, "1700000000000"))
	acc, err := a.LoadAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", acc.ImportProgress)
}

func TestAccounts_ListOrdered(t *testing.T) {
	a := NewAccounts(testDB(t))
	for i := 0; i < 3; i++ {
		seed(t, a, Whatsapp{CompanyID: int64(i)})
	}
	list, err := a.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestSnapshots_EmptyAccount(t *testing.T) {
	s := NewSnapshots(testDB(t))
	snap, err := s.LoadSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, snap.Labels)
	assert.Empty(t, snap.Chats)
	assert.Empty(t, snap.Contacts)
}

func TestSnapshots_MergeChatsModes(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots(testDB(t))

	require.NoError(t, s.MergeChats(ctx, 1, []labels.ChatSnapshot{
		{ID: "a@s.whatsapp.net", Name: "Alice", Labels: []string{"1"}},
		{ID: "b@s.whatsapp.net", Name: "Bob"},
	}))
	require.NoError(t, s.MergeChats(ctx, 1, []labels.ChatSnapshot{
		{ID: "a@s.whatsapp.net", Labels: []string{"2", "1"}},
		{ID: "b@s.whatsapp.net", Name: "Robert", Labels: []string{"3"}, Mode: labels.Replace},
	}))

	snap, err := s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Chats, 2)
	assert.Equal(t, "Alice", snap.Chats[0].Name)
	assert.Equal(t, []string{"1", "2"}, snap.Chats[0].Labels)
	assert.Equal(t, "Robert", snap.Chats[1].Name)
	assert.Equal(t, []string{"3"}, snap.Chats[1].Labels)

	require.NoError(t, s.MergeChats(ctx, 1, []labels.ChatSnapshot{
		{ID: "a@s.whatsapp.net", Labels: []string{}, Mode: labels.Replace},
	}))
	snap, err = s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snap.Chats[0].Labels)
}

func TestSnapshots_AccountsIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots(testDB(t))
	require.NoError(t, s.MergeChats(ctx, 1, []labels.ChatSnapshot{{ID: "a", Labels: []string{"1"}}}))
	require.NoError(t, s.MergeChats(ctx, 2, []labels.ChatSnapshot{{ID: "b", Labels: []string{"2"}}}))
	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "1", Name: "Lead"}))

	snap, err := s.LoadSnapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, snap.Chats, 1)
	assert.Equal(t, "b", snap.Chats[0].ID)
	assert.Empty(t, snap.Labels)
}

func TestSnapshots_MergeContacts(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots(testDB(t))
	require.NoError(t, s.MergeContacts(ctx, 1, []labels.Contact{{ID: "a", Name: "Al"}, {ID: "b", Name: "Bo"}}))
	require.NoError(t, s.MergeContacts(ctx, 1, []labels.Contact{{ID: "a", Name: "Alice"}, {ID: "b"}}))

	snap, err := s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []labels.Contact{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bo"}}, snap.Contacts)
}

func TestSnapshots_UpsertAndDeleteLabel(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots(testDB(t))

	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "1", Name: "New", Color: 0}))
	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "1", Name: "Lead", Color: 4}))
	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "2", Name: "Paid", PredefinedID: "5"}))

	snap, err := s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Labels, 2)
	assert.Equal(t, labels.Label{ID: "1", Name: "Lead", Color: 4}, snap.Labels[0])
	assert.Equal(t, "5", snap.Labels[1].PredefinedID)

	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "1", Deleted: true}))
	snap, err = s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Labels, 1)
	assert.Equal(t, "2", snap.Labels[0].ID)
}

func TestSnapshots_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots(testDB(t))
	require.NoError(t, s.MergeChats(ctx, 1, []labels.ChatSnapshot{{ID: "a", Labels: []string{"1"}}}))
	require.NoError(t, s.UpsertLabel(ctx, 1, labels.Label{ID: "1", Name: "Lead"}))

	require.NoError(t, s.DeleteSnapshot(ctx, 1))
	require.NoError(t, s.DeleteSnapshot(ctx, 1))

	snap, err := s.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snap.Chats)
	assert.Empty(t, snap.Labels)
}

func TestSnapshots_RebuildsSynchronizer(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshots(testDB(t))
	live := labels.NewSynchronizer(labels.NewCache(), store, nil)

	require.NoError(t, live.ApplyLabelEdit(ctx, 1, labels.Label{ID: "1", Name: "Lead"}))
	require.NoError(t, live.ApplyAssociation(ctx, 1, "a", "1", true))
	require.NoError(t, live.ApplyChats(ctx, 1, []labels.ChatSnapshot{{ID: "b", Labels: []string{"1"}}}))
	require.NoError(t, live.ApplyAssociation(ctx, 1, "a", "1", false))

	fresh := labels.NewSynchronizer(labels.NewCache(), store, nil)
	require.NoError(t, fresh.Rebuild(ctx, 1))
	assert.Equal(t, live.Cache().Read(1), fresh.Cache().Read(1))
}

func TestMergeChats_UnionOrderIndependent(t *testing.T) {
	a := []labels.ChatSnapshot{{ID: "x", Labels: []string{"1"}}}
	b := []labels.ChatSnapshot{{ID: "x", Labels: []string{"2"}}}

	ab := MergeChats(MergeChats(nil, a), b)
	ba := MergeChats(MergeChats(nil, b), a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, []string{"1", "2"}, ab[0].Labels)
}
