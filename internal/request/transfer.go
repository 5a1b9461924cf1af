package request

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// DefaultBufferSize is the block size used when moving payloads between a
// connection and a file.
const DefaultBufferSize = 1024

// IsTimeout reports whether err is a read or write timeout. For body reads
// this means "no more data for now" rather than a failure.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsInterrupted reports whether err is an interrupted system call.
func IsInterrupted(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// Pump copies src into dst through buf. It stops without error on a
// zero-length read, end of input, or a timeout. Interrupted reads are
// reported to onInterrupt and retried. Any other read or write error ends
// the copy and is returned.
func Pump(dst io.Writer, src io.Reader, buf []byte, onInterrupt func(error)) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}

	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}

		switch {
		case err == nil:
			if n == 0 {
				return total, nil
			}
		case errors.Is(err, io.EOF), IsTimeout(err):
			return total, nil
		case IsInterrupted(err):
			if onInterrupt != nil {
				onInterrupt(err)
			}
		default:
			return total, err
		}
	}
}
