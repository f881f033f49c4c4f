package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/tracing"
	"mediarelay/pkg/validation"

	"go.uber.org/zap"
)

// ReceiverConfig bounds what a Receiver accepts.
type ReceiverConfig struct {
	MaxFileSize int64
	MaxBuffers  int
	IdleTimeout time.Duration
}

// Receiver reassembles offset-addressed chunks into files. A download buffer
// is created by the first chunk for a filename and discarded on completion
// or abort.
type Receiver struct {
	storage *FileStorage
	cfg     ReceiverConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	buffers   map[string]*downloadBuffer
	completed map[string]time.Time
}

type byteRange struct {
	start, end int64 // [start, end)
}

type downloadBuffer struct {
	mu sync.Mutex

	filename      string
	dest          string
	totalSize     int64
	unknownLength bool
	file          *os.File
	ranges        []byteRange
	received      int64
	chunks        int
	closed        bool

	startedAt time.Time
	updatedAt time.Time
}

func NewReceiver(storage *FileStorage, cfg ReceiverConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Receiver {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Receiver{
		storage:   storage,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		buffers:   make(map[string]*downloadBuffer),
		completed: make(map[string]time.Time),
	}
}

// DecodePayload decodes a chunk payload as sent on the signaling channel.
func DecodePayload(payloadB64 string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding: %v", domain.ErrTransferAborted, err)
	}
	return b, nil
}

func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// AcceptEncoded decodes payloadB64 into c and accepts it. A payload that
// does not decode aborts the whole transfer.
func (r *Receiver) AcceptEncoded(ctx context.Context, c domain.Chunk, payloadB64 string) (*domain.TransferResult, error) {
	payload, err := DecodePayload(payloadB64)
	if err != nil {
		r.Abort(c.Filename, err)
		return nil, err
	}
	c.Payload = payload
	return r.Accept(ctx, c)
}

// Accept stores one chunk. It returns a result when the chunk completes the
// file. Duplicate chunks are ignored. Any other failure aborts the transfer
// and returns an error wrapping ErrTransferAborted or ErrChunkOutOfRange.
func (r *Receiver) Accept(ctx context.Context, c domain.Chunk) (*domain.TransferResult, error) {
	ctx, span := tracing.TraceTransfer(ctx, "chunk", c.Filename)
	defer span.End()

	if err := validation.ValidateFilename(c.Filename); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	buf, err := r.buffer(c)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.closed {
		return nil, fmt.Errorf("%w: %s already finished", domain.ErrTransferAborted, c.Filename)
	}

	if err := r.write(buf, c); err != nil {
		tracing.RecordError(ctx, err)
		r.abortLocked(buf, err)
		return nil, err
	}

	if buf.unknownLength || buf.received < buf.totalSize {
		return nil, nil
	}
	return r.completeLocked(buf, buf.totalSize)
}

func (r *Receiver) buffer(c domain.Chunk) (*downloadBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.buffers[c.Filename]; ok {
		return buf, nil
	}
	if r.cfg.MaxBuffers > 0 && len(r.buffers) >= r.cfg.MaxBuffers {
		return nil, fmt.Errorf("%w: too many concurrent transfers", domain.ErrTransferAborted)
	}

	dest, err := r.storage.Resolve(c.Filename, c.DestinationPath)
	if err != nil {
		return nil, err
	}
	f, err := r.storage.CreateTemp()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	buf := &downloadBuffer{
		filename:      c.Filename,
		dest:          dest,
		totalSize:     c.TotalSize,
		unknownLength: c.UnknownLength,
		file:          f,
		startedAt:     now,
		updatedAt:     now,
	}
	r.buffers[c.Filename] = buf
	delete(r.completed, c.Filename)

	r.logger.Infow("transfer started",
		"filename", c.Filename,
		"total_size", c.TotalSize,
		"unknown_length", c.UnknownLength,
	)
	return buf, nil
}

func (r *Receiver) write(buf *downloadBuffer, c domain.Chunk) error {
	// The most recent chunk decides the declared size.
	buf.unknownLength = c.UnknownLength
	buf.totalSize = c.TotalSize
	buf.updatedAt = time.Now()

	if buf.totalSize < 0 {
		return fmt.Errorf("%w: negative total size", domain.ErrChunkOutOfRange)
	}
	if !buf.unknownLength && buf.totalSize < buf.received {
		return fmt.Errorf("%w: total size %d below received %d", domain.ErrChunkOutOfRange, buf.totalSize, buf.received)
	}
	if r.cfg.MaxFileSize > 0 && buf.totalSize > r.cfg.MaxFileSize {
		return fmt.Errorf("%w: file exceeds %d bytes", domain.ErrTransferAborted, r.cfg.MaxFileSize)
	}

	start := c.Offset
	end := c.Offset + int64(len(c.Payload))
	if start < 0 {
		return fmt.Errorf("%w: negative offset", domain.ErrChunkOutOfRange)
	}
	if !buf.unknownLength && end > buf.totalSize {
		return fmt.Errorf("%w: [%d,%d) outside [0,%d)", domain.ErrChunkOutOfRange, start, end, buf.totalSize)
	}
	if buf.unknownLength && r.cfg.MaxFileSize > 0 && end > r.cfg.MaxFileSize {
		return fmt.Errorf("%w: file exceeds %d bytes", domain.ErrTransferAborted, r.cfg.MaxFileSize)
	}

	if start == end || buf.covered(start, end) {
		if start != end {
			r.logger.Debugw("duplicate chunk ignored", "filename", buf.filename, "offset", start)
		}
		return nil
	}

	if _, err := buf.file.WriteAt(c.Payload, start); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransferAborted, err)
	}
	buf.insert(start, end)
	buf.chunks++
	r.metrics.TransferBytes(len(c.Payload))
	return nil
}

// covered reports whether [start,end) lies inside one received range.
func (b *downloadBuffer) covered(start, end int64) bool {
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].end >= end })
	return i < len(b.ranges) && b.ranges[i].start <= start
}

// insert adds [start,end) and merges overlapping or adjacent ranges, keeping
// received equal to the number of distinct bytes held.
func (b *downloadBuffer) insert(start, end int64) {
	merged := make([]byteRange, 0, len(b.ranges)+1)
	cur := byteRange{start, end}
	placed := false
	for _, rg := range b.ranges {
		switch {
		case rg.end < cur.start:
			merged = append(merged, rg)
		case rg.start > cur.end:
			if !placed {
				merged = append(merged, cur)
				placed = true
			}
			merged = append(merged, rg)
		default:
			if rg.start < cur.start {
				cur.start = rg.start
			}
			if rg.end > cur.end {
				cur.end = rg.end
			}
		}
	}
	if !placed {
		merged = append(merged, cur)
	}

	var total int64
	for _, rg := range merged {
		total += rg.end - rg.start
	}
	b.ranges = merged
	b.received = total
}

// End handles the end-of-transfer marker. Unknown-length transfers complete
// here; a known-length transfer that is still missing bytes is aborted.
func (r *Receiver) End(ctx context.Context, filename string) (*domain.TransferResult, error) {
	ctx, span := tracing.TraceTransfer(ctx, "end", filename)
	defer span.End()

	r.mu.Lock()
	buf, ok := r.buffers[filename]
	_, done := r.completed[filename]
	r.mu.Unlock()
	if !ok {
		if done {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no transfer in progress for %s", domain.ErrTransferAborted, filename)
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.closed {
		return nil, nil
	}

	if !buf.unknownLength {
		if buf.received < buf.totalSize {
			err := fmt.Errorf("%w: %s ended with %d of %d bytes", domain.ErrTransferAborted, filename, buf.received, buf.totalSize)
			tracing.RecordError(ctx, err)
			r.abortLocked(buf, err)
			return nil, err
		}
		return r.completeLocked(buf, buf.totalSize)
	}

	var size int64
	switch len(buf.ranges) {
	case 0:
	case 1:
		if buf.ranges[0].start != 0 {
			err := fmt.Errorf("%w: %s is missing its first %d bytes", domain.ErrTransferAborted, filename, buf.ranges[0].start)
			r.abortLocked(buf, err)
			return nil, err
		}
		size = buf.ranges[0].end
	default:
		err := fmt.Errorf("%w: %s has gaps", domain.ErrTransferAborted, filename)
		r.abortLocked(buf, err)
		return nil, err
	}
	return r.completeLocked(buf, size)
}

func (r *Receiver) completeLocked(buf *downloadBuffer, size int64) (*domain.TransferResult, error) {
	buf.closed = true
	r.remove(buf, true)

	if err := buf.file.Truncate(size); err != nil {
		r.storage.Discard(buf.file)
		r.metrics.TransferFinished(false)
		return nil, fmt.Errorf("%w: truncate: %v", domain.ErrTransferAborted, err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(buf.file, 0, size)); err != nil {
		r.storage.Discard(buf.file)
		r.metrics.TransferFinished(false)
		return nil, fmt.Errorf("%w: checksum: %v", domain.ErrTransferAborted, err)
	}
	if err := r.storage.Commit(buf.file, buf.dest); err != nil {
		os.Remove(buf.file.Name())
		r.metrics.TransferFinished(false)
		return nil, fmt.Errorf("%w: %v", domain.ErrTransferAborted, err)
	}

	result := &domain.TransferResult{
		Filename: buf.filename,
		Path:     buf.dest,
		Size:     size,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
	}
	r.metrics.TransferFinished(true)
	r.logger.Infow("transfer complete",
		"filename", buf.filename,
		"path", buf.dest,
		"size", size,
		"chunks", buf.chunks,
		"duration", time.Since(buf.startedAt),
	)
	return result, nil
}

// Abort discards the filename's buffer if one exists.
func (r *Receiver) Abort(filename string, reason error) {
	r.mu.Lock()
	buf, ok := r.buffers[filename]
	r.mu.Unlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if !buf.closed {
		r.abortLocked(buf, reason)
	}
}

func (r *Receiver) abortLocked(buf *downloadBuffer, reason error) {
	buf.closed = true
	r.remove(buf, false)
	r.storage.Discard(buf.file)
	r.metrics.TransferFinished(false)
	r.logger.Warnw("transfer aborted",
		"filename", buf.filename,
		"received", buf.received,
		"total_size", buf.totalSize,
		"error", reason,
	)
}

func (r *Receiver) remove(buf *downloadBuffer, completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffers[buf.filename] == buf {
		delete(r.buffers, buf.filename)
	}
	if completed {
		r.completed[buf.filename] = time.Now()
	}
}

// Status lists in-flight transfers ordered by filename.
func (r *Receiver) Status() []domain.TransferStatus {
	r.mu.Lock()
	bufs := make([]*downloadBuffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()

	out := make([]domain.TransferStatus, 0, len(bufs))
	for _, b := range bufs {
		b.mu.Lock()
		out = append(out, domain.TransferStatus{
			Filename:      b.filename,
			TotalSize:     b.totalSize,
			Received:      b.received,
			Chunks:        b.chunks,
			UnknownLength: b.unknownLength,
			StartedAt:     b.startedAt,
			UpdatedAt:     b.updatedAt,
		})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Sweep aborts transfers that received nothing for the idle timeout and
// returns their filenames.
func (r *Receiver) Sweep(now time.Time) []string {
	r.mu.Lock()
	var idle []*downloadBuffer
	for _, b := range r.buffers {
		idle = append(idle, b)
	}
	for name, at := range r.completed {
		if now.Sub(at) > r.cfg.IdleTimeout {
			delete(r.completed, name)
		}
	}
	r.mu.Unlock()

	var swept []string
	for _, b := range idle {
		b.mu.Lock()
		if !b.closed && now.Sub(b.updatedAt) > r.cfg.IdleTimeout {
			r.abortLocked(b, fmt.Errorf("%w: idle for %s", domain.ErrTransferAborted, now.Sub(b.updatedAt)))
			swept = append(swept, b.filename)
		}
		b.mu.Unlock()
	}
	sort.Strings(swept)
	return swept
}

// Run sweeps idle transfers until ctx is done.
func (r *Receiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if swept := r.Sweep(now); len(swept) > 0 {
				r.logger.Infow("swept idle transfers", "filenames", swept)
			}
		}
	}
}
