package statusdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/retry"
)

type fakeStore struct {
	upserted arbiter.StatusDBRow
	peers    []arbiter.StatusDBRow
	upsertErr error
	peerErr   error
}

func (f *fakeStore) Upsert(ctx context.Context, row arbiter.StatusDBRow) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = row
	return nil
}

func (f *fakeStore) PeerRows(ctx context.Context, syncGroup string, uid int, excludeHostname string) ([]arbiter.StatusDBRow, error) {
	if f.peerErr != nil {
		return nil, f.peerErr
	}
	return f.peers, nil
}

func (f *fakeStore) BootstrapRows(ctx context.Context, hostname, syncGroup string, newerThan time.Time) ([]arbiter.StatusDBRow, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func testConfig() SyncConfig {
	return SyncConfig{Hostname: "node-a", SyncGroup: "group1", ImportedBadnessTimeout: 5 * time.Minute, Retry: retry.Config{Enabled: false}}
}

func TestSyncNoOpWithoutStore(t *testing.T) {
	sy := New(nil, testConfig())
	u := &arbiter.UserSlice{UID: 1000}
	res, err := sy.Sync(context.Background(), u, time.Now())
	require.NoError(t, err)
	assert.False(t, res.Adopted)
}

func TestSyncNilSynchronizer(t *testing.T) {
	var sy *Synchronizer
	u := &arbiter.UserSlice{UID: 1000}
	res, err := sy.Sync(context.Background(), u, time.Now())
	require.NoError(t, err)
	assert.False(t, res.Adopted)
}

func TestSyncKeepsLocalWhenNoPeers(t *testing.T) {
	store := &fakeStore{}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000, Status: arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal"}}

	res, err := sy.Sync(context.Background(), u, time.Now())
	require.NoError(t, err)
	assert.False(t, res.Adopted)
	assert.Equal(t, 1000, store.upserted.UID)
}

func TestSyncAdoptsPeerWithHigherOccurrences(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		peers: []arbiter.StatusDBRow{
			{Hostname: "node-b", Current: "strict", DefaultGroup: "normal", Occurrences: 3, PenaltyExpiry: now.Add(time.Hour), ModifiedTS: now},
		},
	}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000, Status: arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal", Occurrences: 1}}

	res, err := sy.Sync(context.Background(), u, now)
	require.NoError(t, err)
	assert.True(t, res.Adopted)
	assert.Equal(t, "strict", u.Status.CurrentGroup)
	assert.Equal(t, 3, u.Status.Occurrences)
	assert.Equal(t, []string{"node-b"}, res.PeerHosts)
}

func TestSyncKeepsLocalWhenPeerInvalidAndExpired(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		peers: []arbiter.StatusDBRow{
			{Hostname: "node-b", Current: "strict", DefaultGroup: "normal", Occurrences: 5, ModifiedTS: now.Add(-time.Hour)},
		},
	}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000, Status: arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal"}}

	res, err := sy.Sync(context.Background(), u, now)
	require.NoError(t, err)
	assert.False(t, res.Adopted, "a stale peer row with an expired penalty and no recent write must not win")
}

func TestSyncBreaksTiesByHostname(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		peers: []arbiter.StatusDBRow{
			{Hostname: "node-z", Current: "normal", DefaultGroup: "normal", Occurrences: 0, ModifiedTS: now},
		},
	}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000, Status: arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal", Occurrences: 0}}

	res, err := sy.Sync(context.Background(), u, now)
	require.NoError(t, err)
	assert.True(t, res.Adopted, "node-z lexically beats node-a on an exact tie")
}

func TestSyncReturnsErrorOnUpsertFailure(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("db down")}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000}

	_, err := sy.Sync(context.Background(), u, time.Now())
	assert.Error(t, err)
}

func TestSyncReturnsErrorOnPeerSelectFailure(t *testing.T) {
	store := &fakeStore{peerErr: errors.New("db down")}
	sy := New(store, testConfig())
	u := &arbiter.UserSlice{UID: 1000}

	_, err := sy.Sync(context.Background(), u, time.Now())
	assert.Error(t, err)
}

func TestPreferredPrefersValidOverInvalid(t *testing.T) {
	now := time.Now()
	valid := arbiter.StatusDBRow{Hostname: "a", PenaltyExpiry: now.Add(time.Hour)}
	invalid := arbiter.StatusDBRow{Hostname: "b", ModifiedTS: now.Add(-time.Hour)}
	assert.True(t, preferred(valid, invalid, now, time.Minute))
	assert.False(t, preferred(invalid, valid, now, time.Minute))
}

func TestIsValidImportedBadnessTimeout(t *testing.T) {
	now := time.Now()
	row := arbiter.StatusDBRow{ModifiedTS: now.Add(-time.Minute)}
	assert.True(t, isValid(row, now, 5*time.Minute))
	assert.False(t, isValid(row, now, 30*time.Second))
	assert.False(t, isValid(row, now, 0))
}
