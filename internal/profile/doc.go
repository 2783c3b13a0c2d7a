// Package profile resolves client capabilities against source descriptors.
//
// The resolver's first concern is the passthrough fast path: when a client
// already plays the source's container, codecs, resolution and bitrate, no
// transcode happens and the source bytes are served directly. Otherwise a
// concrete mp4/h264/aac delivery profile is selected, capped to the client's
// constraints without upscaling. Fingerprints derived from (source identity,
// profile) key the segment store.
package profile
