package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	chunks []domain.Chunk
	ended  []string
}

func (c *collector) EmitChunk(_ context.Context, ch domain.Chunk) error {
	ch.Payload = append([]byte(nil), ch.Payload...)
	c.chunks = append(c.chunks, ch)
	return nil
}

func (c *collector) EmitEnd(_ context.Context, filename string) error {
	c.ended = append(c.ended, filename)
	return nil
}

func newReceiver(t *testing.T, cfg ReceiverConfig) (*Receiver, string) {
	t.Helper()
	root := t.TempDir()
	storage, err := NewFileStorage(root)
	require.NoError(t, err)
	return NewReceiver(storage, cfg, nil, zap.NewNop().Sugar()), root
}

func TestTransfer_OutOfOrderRoundTrip(t *testing.T) {
	src := make([]byte, 10*1024*1024)
	rng := rand.New(rand.NewSource(42))
	rng.Read(src)

	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(srcPath, src, 0o644))

	out := &collector{}
	sender := NewSender(512*1024, zap.NewNop().Sugar())
	n, err := sender.SendFile(context.Background(), srcPath, "payload.bin", "", out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Len(t, out.chunks, 20)
	assert.Equal(t, []string{"payload.bin"}, out.ended)

	for i := 1; i < len(out.chunks); i++ {
		assert.Greater(t, out.chunks[i].Offset, out.chunks[i-1].Offset)
	}

	rng.Shuffle(len(out.chunks), func(i, j int) {
		out.chunks[i], out.chunks[j] = out.chunks[j], out.chunks[i]
	})

	r, root := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	var result *domain.TransferResult
	for i, ch := range out.chunks {
		encoded := EncodePayload(ch.Payload)
		ch.Payload = nil
		res, err := r.AcceptEncoded(ctx, ch, encoded)
		require.NoError(t, err)
		if i < len(out.chunks)-1 {
			assert.Nil(t, res)
		}
		result = res
	}
	require.NotNil(t, result)

	sum := sha256.Sum256(src)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)
	assert.Equal(t, int64(len(src)), result.Size)

	got, err := os.ReadFile(filepath.Join(root, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src, got))
	assert.Empty(t, r.Status())

	// The trailing end marker after completion is a no-op.
	res, err := r.End(ctx, "payload.bin")
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestReceiver_DuplicateChunksAreIgnored(t *testing.T) {
	r, root := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	first := domain.Chunk{Filename: "a.txt", Payload: []byte("hello "), Offset: 0, TotalSize: 11}
	_, err := r.Accept(ctx, first)
	require.NoError(t, err)
	_, err = r.Accept(ctx, first)
	require.NoError(t, err)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(6), status[0].Received)
	assert.Equal(t, 1, status[0].Chunks)

	res, err := r.Accept(ctx, domain.Chunk{Filename: "a.txt", Payload: []byte("world"), Offset: 6, TotalSize: 11})
	require.NoError(t, err)
	require.NotNil(t, res)

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestReceiver_OverlappingChunksCountDistinctBytes(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	_, err := r.Accept(ctx, domain.Chunk{Filename: "o.bin", Payload: []byte("abcd"), Offset: 0, TotalSize: 8})
	require.NoError(t, err)
	_, err = r.Accept(ctx, domain.Chunk{Filename: "o.bin", Payload: []byte("cdef"), Offset: 2, TotalSize: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(6), r.Status()[0].Received)

	res, err := r.Accept(ctx, domain.Chunk{Filename: "o.bin", Payload: []byte("gh"), Offset: 6, TotalSize: 8})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(8), res.Size)
}

func TestReceiver_BadBase64AbortsTransfer(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	_, err := r.Accept(ctx, domain.Chunk{Filename: "b.bin", Payload: []byte("ab"), Offset: 0, TotalSize: 4})
	require.NoError(t, err)
	require.Len(t, r.Status(), 1)

	_, err = r.AcceptEncoded(ctx, domain.Chunk{Filename: "b.bin", Offset: 2, TotalSize: 4}, "!!not base64!!")
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
	assert.Empty(t, r.Status())
}

func TestReceiver_OutOfRangeAborts(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	_, err := r.Accept(context.Background(), domain.Chunk{Filename: "c.bin", Payload: []byte("toolong"), Offset: 0, TotalSize: 3})
	assert.ErrorIs(t, err, domain.ErrChunkOutOfRange)
	assert.Empty(t, r.Status())

	_, err = r.Accept(context.Background(), domain.Chunk{Filename: "d.bin", Payload: []byte("x"), Offset: -1, TotalSize: 3})
	assert.ErrorIs(t, err, domain.ErrChunkOutOfRange)
}

func TestReceiver_EmptyFileCompletesOnFirstChunk(t *testing.T) {
	r, root := newReceiver(t, ReceiverConfig{})
	res, err := r.Accept(context.Background(), domain.Chunk{Filename: "empty.txt", Offset: 0, TotalSize: 0})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, res.Size)

	info, err := os.Stat(filepath.Join(root, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReceiver_UnknownLengthCompletesOnEnd(t *testing.T) {
	r, root := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	out := &collector{}
	sender := NewSender(4, zap.NewNop().Sugar())
	_, err := sender.SendStream(ctx, bytes.NewReader([]byte("streamed data")), "s.txt", "logs/", out)
	require.NoError(t, err)

	for _, ch := range out.chunks {
		res, err := r.Accept(ctx, ch)
		require.NoError(t, err)
		assert.Nil(t, res)
	}
	res, err := r.End(ctx, "s.txt")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(13), res.Size)

	got, err := os.ReadFile(filepath.Join(root, "logs", "s.txt"))
	require.NoError(t, err)
	assert.Equal(t, "streamed data", string(got))
}

func TestReceiver_UnknownLengthWithGapAborts(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()
	_, err := r.Accept(ctx, domain.Chunk{Filename: "g.bin", Payload: []byte("ab"), Offset: 0, UnknownLength: true})
	require.NoError(t, err)
	_, err = r.Accept(ctx, domain.Chunk{Filename: "g.bin", Payload: []byte("ef"), Offset: 4, UnknownLength: true})
	require.NoError(t, err)

	_, err = r.End(ctx, "g.bin")
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
}

func TestReceiver_EndWithMissingBytesAborts(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()
	_, err := r.Accept(ctx, domain.Chunk{Filename: "m.bin", Payload: []byte("ab"), Offset: 0, TotalSize: 10})
	require.NoError(t, err)

	_, err = r.End(ctx, "m.bin")
	assert.ErrorIs(t, err, domain.ErrTransferAborted)

	_, err = r.End(ctx, "never-started.bin")
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
}

func TestReceiver_RejectsTraversal(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{})
	ctx := context.Background()

	_, err := r.Accept(ctx, domain.Chunk{Filename: "../escape.txt", Payload: []byte("x"), TotalSize: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = r.Accept(ctx, domain.Chunk{Filename: "ok.txt", Payload: []byte("x"), TotalSize: 1, DestinationPath: "../../etc/passwd"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = r.Accept(ctx, domain.Chunk{Filename: "ok.txt", Payload: []byte("x"), TotalSize: 1, DestinationPath: ".partial/x"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestReceiver_Limits(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{MaxFileSize: 4, MaxBuffers: 1})
	ctx := context.Background()

	_, err := r.Accept(ctx, domain.Chunk{Filename: "big.bin", Payload: []byte("x"), TotalSize: 5})
	assert.ErrorIs(t, err, domain.ErrTransferAborted)

	_, err = r.Accept(ctx, domain.Chunk{Filename: "one.bin", Payload: []byte("x"), TotalSize: 4})
	require.NoError(t, err)
	_, err = r.Accept(ctx, domain.Chunk{Filename: "two.bin", Payload: []byte("x"), TotalSize: 4})
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
}

func TestReceiver_SweepIdle(t *testing.T) {
	r, _ := newReceiver(t, ReceiverConfig{IdleTimeout: time.Minute})
	_, err := r.Accept(context.Background(), domain.Chunk{Filename: "slow.bin", Payload: []byte("x"), TotalSize: 4})
	require.NoError(t, err)

	assert.Empty(t, r.Sweep(time.Now()))
	assert.Equal(t, []string{"slow.bin"}, r.Sweep(time.Now().Add(2*time.Minute)))
	assert.Empty(t, r.Status())
}

func TestSender_EmptyFileSendsOneChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	out := &collector{}
	n, err := NewSender(0, zap.NewNop().Sugar()).SendFile(context.Background(), path, "empty", "", out)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, out.chunks, 1)
	assert.Zero(t, out.chunks[0].TotalSize)
	assert.False(t, out.chunks[0].UnknownLength)
}
