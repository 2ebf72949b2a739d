package checksum

import (
	"encoding/hex"
	"io"

	"github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"
)

// WindowSize is the tiling window for whole-file digests.
const WindowSize = 10 * 1024 * 1024

// Result is the outcome of a digest computation. When Err is non-nil the
// digest is unavailable and Hex is empty; callers must not interpret an
// unavailable result as a mismatch.
type Result struct {
	Hex string
	Err error
}

// Available reports whether the digest was successfully computed.
func (r Result) Available() bool {
	return r.Err == nil && r.Hex != ""
}

// DigestWhole computes the tiled whole-file digest of everything readable
// from r. Each WindowSize window is hashed independently, the lowercase hex
// digests are concatenated, and the concatenation is hashed again.
func DigestWhole(r io.Reader) Result {
	outer := sha256.New()
	buf := make([]byte, WindowSize)
	windows := 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			window := sha256.Sum256(buf[:n])
			outer.Write([]byte(hex.EncodeToString(window[:])))
			windows++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DigestWhole",
				"windows":  windows,
				"error":    err.Error(),
			}).Warn("Whole-file digest unavailable: read failed")
			return Result{Err: err}
		}
	}

	return Result{Hex: hex.EncodeToString(outer.Sum(nil))}
}

// DigestChunk computes a single direct digest over an in-memory chunk.
// Chunks are small enough that no tiling is needed.
func DigestChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
