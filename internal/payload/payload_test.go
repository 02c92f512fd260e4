package payload

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

func TestCodecInlinesSmallContent(t *testing.T) {
	codec := NewCodec(NewMemStore(), 64)
	content := []byte("small payload")

	envelope, err := codec.Encode(content, false)
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(content), envelope.ContentHash)

	got, verified, err := codec.Resolve(envelope)
	require.NoError(t, err)
	require.True(t, verified)
	require.Equal(t, content, got)
}

func TestCodecUploadsContentOverThreshold(t *testing.T) {
	store := NewMemStore()
	codec := NewCodec(store, 4)
	content := []byte("this content exceeds the inline threshold")

	envelope, err := codec.Encode(content, false)
	require.NoError(t, err)
	require.NotContains(t, string(envelope.URI), inlinePrefix)

	got, verified, err := codec.Resolve(envelope)
	require.NoError(t, err)
	require.True(t, verified)
	require.Equal(t, content, got)
}

func TestCodecForceUploadBypassesInlining(t *testing.T) {
	codec := NewCodec(NewMemStore(), 1024)
	content := []byte("tiny")

	envelope, err := codec.Encode(content, true)
	require.NoError(t, err)
	require.NotContains(t, string(envelope.URI), inlinePrefix)
}

func TestCodecResolveDetectsTamperedContent(t *testing.T) {
	store := NewMemStore()
	codec := NewCodec(store, 0)

	envelope, err := codec.Encode([]byte("original"), false)
	require.NoError(t, err)

	_, err = store.Put([]byte("tampered"))
	require.NoError(t, err)
	tamperedURI, err := store.Put([]byte("tampered"))
	require.NoError(t, err)
	envelope.URI = tamperedURI

	_, verified, err := codec.Resolve(envelope)
	require.NoError(t, err)
	require.False(t, verified)
}

func TestCodecResolveMissingContent(t *testing.T) {
	codec := NewCodec(NewMemStore(), 0)
	_, _, err := codec.Resolve(model.PayloadEnvelope{URI: []byte("mem://missing")})
	require.ErrorIs(t, err, ErrContentNotFound)
}

func TestDiskStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	uri, err := store.Put([]byte("on disk"))
	require.NoError(t, err)

	content, err := store.Get(uri)
	require.NoError(t, err)
	require.Equal(t, []byte("on disk"), content)
}

func TestDiskStoreGetMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	_, err = store.Get([]byte("file://" + dir + "/does-not-exist"))
	require.ErrorIs(t, err, ErrContentNotFound)
}
