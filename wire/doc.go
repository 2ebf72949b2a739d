// Package wire defines the chunk metadata format carried in the text body
// of every carrier message, paired 1:1 with exactly one binary attachment.
//
// The format is plain JSON with a literal discriminator so that chunk
// messages can be told apart from unrelated channel traffic:
//
//	{
//	  "type": "FileSplitterChunk",
//	  "index": 0,
//	  "total": 3,
//	  "originalName": "backup.tar",
//	  "originalSize": 31457280,
//	  "timestamp": 1718000000000,
//	  "checksum": "ab12...",
//	  "chunkChecksum": "cd34..."
//	}
//
// Parsing is strict but silent: a body that is not valid JSON, carries a
// different discriminator, or is missing required fields is simply not a
// chunk. Channels carry arbitrary content, so rejection is not an error.
package wire
