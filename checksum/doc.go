// Package checksum computes the content hashes used for transfer
// integrity: a tiled whole-file digest and a direct per-chunk digest.
//
// The whole-file digest tiles its input into fixed 10 MiB windows, hashes
// each window independently, concatenates the lowercase hex digests, and
// hashes the concatenation. Memory stays bounded by the window size no
// matter how large the input is, and the same procedure works for
// streamed input.
//
// Hashing is best-effort by contract: a read failure yields a Result
// marked unavailable, which callers must treat as "verification not
// possible", never as a mismatch.
package checksum
