// Package demux implements the elementary-stream parsers that sit behind the
// TS packet selector: MPEG-2 and H.264 video frame boundary detection with
// picture structure and pulldown flags, ADTS audio framing, ARIB caption data
// groups, and CEA-608 captions carried in H.264 SEI.
//
// Video parsers implement [VideoParser] and are chosen at runtime from the
// PMT stream type with [NewVideoParser]. All parsers are synchronous and keep
// only the state needed to pair interlaced fields or to bridge frames that
// straddle PES boundaries.
package demux
