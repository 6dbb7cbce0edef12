package objectstore

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/fserr"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir(), "http://localhost:7800")
	require.NoError(t, err)
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "models/T1/amazon/v1/model.bin"
	require.NoError(t, store.Put(ctx, key, []byte("artifact")))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), data)

	// Read-after-write on overwrite.
	require.NoError(t, store.Put(ctx, key, []byte("artifact-v2")))
	data, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact-v2"), data)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.True(t, fserr.Is(err, fserr.KindNotFound))

	// Deleting an absent key is a no-op.
	require.NoError(t, store.Delete(ctx, key))
}

func TestListByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"model-performance/T1/history.json",
		"models/T1/amazon/v1/model.bin",
		"models/T1/amazon/v1/metadata.json",
		"models/T2/cerrado/v1/model.bin",
	}
	for _, k := range keys {
		require.NoError(t, store.Put(ctx, k, []byte("x")))
	}

	objects, err := store.List(ctx, "models/T1/", 0)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "models/T1/amazon/v1/metadata.json", objects[0].Key)
	assert.Equal(t, "models/T1/amazon/v1/model.bin", objects[1].Key)
	assert.Equal(t, int64(1), objects[0].Size)
	assert.False(t, objects[0].LastModified.IsZero())

	objects, err = store.List(ctx, "models/", 1)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestKeyValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs/path", "../escape", "a/../../b"} {
		err := store.Put(ctx, key, []byte("x"))
		assert.True(t, fserr.Is(err, fserr.KindValidation), "key %q", key)
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "reports/20220615T140000Z/report_HIGH_20220615T140000Z.pdf"
	require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.4")))

	signed, err := store.SignedURL(key, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := u.Query().Get("signature")

	require.NoError(t, store.VerifySignedURL(key, expires, sig))

	// Tampered key fails.
	err = store.VerifySignedURL("reports/other.pdf", expires, sig)
	assert.True(t, fserr.Is(err, fserr.KindValidation))

	// Expired fails.
	err = store.VerifySignedURL(key, time.Now().Add(-time.Minute).Unix(), sig)
	assert.True(t, fserr.Is(err, fserr.KindValidation))
}

func TestKeyNamespaces(t *testing.T) {
	ts := time.Date(2022, 6, 5, 14, 30, 45, 0, time.UTC)

	assert.Equal(t,
		"geospatial-data/year=2022/month=06/day=05/run-1.json",
		GeospatialKey(ts, "run-1"))
	assert.Equal(t,
		"models/T1/amazon/v9/model.bin",
		ModelArtifactKey("T1", "amazon", "v9"))
	assert.Equal(t,
		"models/T1/amazon/v9/metadata.json",
		ModelMetadataKey("T1", "amazon", "v9"))
	assert.Equal(t,
		"model-performance/T1/history.json",
		PerformanceHistoryKey("T1"))
	assert.Equal(t,
		"visualizations/r1/T1/20220605T143045Z/ndvi_heatmap.png",
		VisualizationKey("r1", "T1", ts, "ndvi_heatmap"))

	report := ReportKey(ts, "HIGH")
	assert.True(t, strings.HasPrefix(report, "reports/20220605T143045Z/report_HIGH_"))
	assert.True(t, strings.HasSuffix(report, ".pdf"))
}
