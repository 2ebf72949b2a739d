package wire

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// TypeTag is the literal discriminator identifying chunk metadata payloads.
const TypeTag = "FileSplitterChunk"

// Metadata describes one chunk of a split file. It is serialized as the
// text body of the chunk's carrier message.
type Metadata struct {
	Type          string `json:"type"`
	Index         int    `json:"index"`
	Total         int    `json:"total"`
	OriginalName  string `json:"originalName"`
	OriginalSize  int64  `json:"originalSize"`
	Timestamp     int64  `json:"timestamp"`
	Checksum      string `json:"checksum,omitempty"`
	ChunkChecksum string `json:"chunkChecksum,omitempty"`
}

// Encode serializes the metadata to its JSON wire form.
func (m *Metadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// rawMetadata mirrors Metadata with pointer fields so that missing keys can
// be distinguished from zero values during validation.
type rawMetadata struct {
	Type          *string `json:"type"`
	Index         *int    `json:"index"`
	Total         *int    `json:"total"`
	OriginalName  *string `json:"originalName"`
	OriginalSize  *int64  `json:"originalSize"`
	Timestamp     *int64  `json:"timestamp"`
	Checksum      string  `json:"checksum"`
	ChunkChecksum string  `json:"chunkChecksum"`
}

// Parse attempts to interpret body as chunk metadata. The second return
// value reports whether the body was a valid chunk payload; invalid bodies
// are expected in mixed channels and are not errors.
func Parse(body string) (*Metadata, bool) {
	var raw rawMetadata
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}

	if raw.Type == nil || *raw.Type != TypeTag {
		return nil, false
	}
	if raw.Index == nil || raw.Total == nil || raw.OriginalName == nil ||
		raw.OriginalSize == nil || raw.Timestamp == nil {
		return nil, false
	}
	if *raw.Index < 0 || *raw.Total <= 0 || *raw.Index >= *raw.Total {
		logrus.WithFields(logrus.Fields{
			"function": "Parse",
			"index":    *raw.Index,
			"total":    *raw.Total,
		}).Debug("Chunk metadata rejected: index out of range")
		return nil, false
	}
	if *raw.OriginalSize < 0 || *raw.Timestamp <= 0 {
		return nil, false
	}

	return &Metadata{
		Type:          *raw.Type,
		Index:         *raw.Index,
		Total:         *raw.Total,
		OriginalName:  *raw.OriginalName,
		OriginalSize:  *raw.OriginalSize,
		Timestamp:     *raw.Timestamp,
		Checksum:      raw.Checksum,
		ChunkChecksum: raw.ChunkChecksum,
	}, true
}
