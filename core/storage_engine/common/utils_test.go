package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
)

func TestCopyThrottled_CopiesAndChecksums(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	// Larger than one chunk so the loop runs more than once.
	data := bytes.Repeat([]byte("rstar-page-"), chunkSize/8)
	require.NoError(t, os.WriteFile(src, data, 0644))

	sum, err := CopyThrottled(context.Background(), src, dst, 0, true)
	require.NoError(t, err)
	want := sha256.Sum256(data)
	require.Equal(t, want[:], sum)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCopyThrottled_WithoutVerify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("small"), 0644))

	sum, err := CopyThrottled(context.Background(), src, filepath.Join(dir, "dst.bin"), 1<<30, false)
	require.NoError(t, err)
	require.Nil(t, sum)
}

func TestCopyThrottled_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyThrottled(context.Background(), filepath.Join(dir, "missing"), filepath.Join(dir, "dst"), 0, false)
	require.ErrorIs(t, err, flushmanager.ErrIO)

	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = CopyThrottled(ctx, src, filepath.Join(dir, "dst"), 0, false)
	require.ErrorIs(t, err, context.Canceled)
}
