// Package upload implements the upload engine: splitting a local file
// into fixed-size chunks and pushing each chunk through the platform as a
// carrier message with one attachment.
//
// Each upload is tracked as a Session with a defined state machine:
//
//	pending → uploading → {completed | paused | error}
//	paused  → pending (on resume) → uploading
//
// The error state is terminal until the user explicitly resumes, which
// re-enters pending. Sessions survive restarts through a JSON projection
// persisted to the platform blob store; the source file handle does not
// survive and must be reattached before resuming.
//
// Chunk sends run through a bounded worker pool whose limit is re-read
// from configuration on every admission, with a jittered pacing delay
// between worker starts. Rate-limit rejections under safe mode pause the
// session and schedule a cooldown resume instead of failing it.
package upload
