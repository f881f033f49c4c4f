package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/optimize"
	"mediarelay/pkg/tracing"

	"go.uber.org/zap"
)

const DefaultChunkSize = 512 * 1024

// Emitter delivers chunks to the remote side. EmitChunk must not retain
// the chunk payload after it returns.
type Emitter interface {
	EmitChunk(ctx context.Context, c domain.Chunk) error
	EmitEnd(ctx context.Context, filename string) error
}

// Sender splits files into offset-addressed chunks.
type Sender struct {
	pool   *optimize.ChunkBuffers
	logger *zap.SugaredLogger
}

func NewSender(chunkSize int, logger *zap.SugaredLogger) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{
		pool:   optimize.NewChunkBuffers(chunkSize),
		logger: logger,
	}
}

// SendFile sends the file at path under filename, followed by the end
// marker, and returns the number of bytes sent.
func (s *Sender) SendFile(ctx context.Context, path, filename, destination string, emit Emitter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return s.send(ctx, f, filename, destination, info.Size(), false, emit)
}

// SendStream sends r until EOF without announcing a size up front.
func (s *Sender) SendStream(ctx context.Context, r io.Reader, filename, destination string, emit Emitter) (int64, error) {
	return s.send(ctx, r, filename, destination, 0, true, emit)
}

func (s *Sender) send(ctx context.Context, r io.Reader, filename, destination string, size int64, unknown bool, emit Emitter) (int64, error) {
	ctx, span := tracing.TraceTransfer(ctx, "send", filename)
	defer span.End()

	buf := s.pool.Acquire()
	defer s.pool.Release(buf)

	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return offset, err
		}

		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			tracing.RecordError(ctx, err)
			return offset, fmt.Errorf("failed to read %s: %w", filename, err)
		}
		// An empty known-size file still needs one chunk to create it.
		if n > 0 || (offset == 0 && !unknown) {
			chunk := domain.Chunk{
				Filename:        filename,
				Payload:         buf[:n],
				Offset:          offset,
				TotalSize:       size,
				UnknownLength:   unknown,
				DestinationPath: destination,
			}
			if emitErr := emit.EmitChunk(ctx, chunk); emitErr != nil {
				return offset, fmt.Errorf("failed to send chunk at %d: %w", offset, emitErr)
			}
			offset += int64(n)
		}
		if err != nil {
			break
		}
	}

	if err := emit.EmitEnd(ctx, filename); err != nil {
		return offset, fmt.Errorf("failed to send end marker: %w", err)
	}
	s.logger.Infow("transfer sent", "filename", filename, "size", offset)
	return offset, nil
}
