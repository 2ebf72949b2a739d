// Package chunkcourier moves large files through message channels that
// cap individual attachment sizes.
//
// Files are split into fixed-size chunks, each uploaded as an
// attachment followed by a carrier message whose body holds JSON
// metadata (session ID, chunk index, total count, checksums). The
// carrier messages themselves are the durable index: a registry
// rebuilt from live events and history scans is the only state needed
// to find, download, verify, and repair any session.
//
// The root package is the facade. It constructs the registry and the
// upload, download, repair, and scanner engines once, wires the
// platform's message events into the registry, and owns the periodic
// expiry sweep:
//
//	courier, err := chunkcourier.New(client, store, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer courier.Kill()
//
//	src, _ := upload.NewFileSource("/tmp/video.mkv")
//	sessionID, err := courier.Upload(src, "channel-123")
//
// Everything below the facade is usable on its own; the subpackages
// only share the platform.Client abstraction and the wire metadata
// format.
package chunkcourier
