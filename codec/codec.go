// Package codec provides pluggable wire formats for the value carried
// inside a nwloader.CacheEntry[V]. A Codec passed to
// nwloader.ValueCodecFrom never sees the createTime field; it only
// encodes/decodes V. A Codec passed to nwloader.EntryCodecFrom encodes the
// whole CacheEntry wrapper, createTime included.
package codec

// Codec encodes/decodes values of type V to a byte payload.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
