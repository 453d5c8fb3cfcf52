package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func Test_LastMarket_RoundTrip(t *testing.T) {
	store := openTestStore(t)

	// Unset reads back empty.
	host, name, err := store.LastMarket()
	require.NoError(t, err)
	assert.Empty(t, host)
	assert.Empty(t, name)

	require.NoError(t, store.SaveLastMarket("dex.example.org", "dcr_btc"))
	host, name, err = store.LastMarket()
	require.NoError(t, err)
	assert.Equal(t, "dex.example.org", host)
	assert.Equal(t, "dcr_btc", name)

	// Saving again overwrites.
	require.NoError(t, store.SaveLastMarket("dex.example.org", "btc_usdc"))
	_, name, err = store.LastMarket()
	require.NoError(t, err)
	assert.Equal(t, "btc_usdc", name)
}

func Test_LastDuration_RoundTrip(t *testing.T) {
	store := openTestStore(t)

	durMs, err := store.LastDuration()
	require.NoError(t, err)
	assert.Zero(t, durMs)

	require.NoError(t, store.SaveLastDuration(300_000))
	durMs, err = store.LastDuration()
	require.NoError(t, err)
	assert.Equal(t, uint64(300_000), durMs)
}

func Test_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveLastMarket("dex.example.org", "dcr_btc"))
	require.NoError(t, store.SaveLastDuration(60_000))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	host, name, err := store.LastMarket()
	require.NoError(t, err)
	assert.Equal(t, "dex.example.org", host)
	assert.Equal(t, "dcr_btc", name)

	durMs, err := store.LastDuration()
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), durMs)
}
