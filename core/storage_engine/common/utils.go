package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath, at most rateBytesPerSec bytes per
// second when the rate is positive. With verify set it returns the SHA-256 of
// the bytes written; otherwise the checksum is nil.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open src: %v", flushmanager.ErrIO, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open dst: %v", flushmanager.ErrIO, err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	var sum hash.Hash
	if verify {
		sum = sha256.New()
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return nil, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("%w: write %s: %v", flushmanager.ErrIO, dstPath, werr)
			}
			if sum != nil {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: read %s: %v", flushmanager.ErrIO, srcPath, rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync %s: %v", flushmanager.ErrIO, dstPath, err)
	}
	if sum == nil {
		return nil, nil
	}
	return sum.Sum(nil), nil
}
