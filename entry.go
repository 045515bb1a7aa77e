package nwloader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/longbill/nw-loader/codec"
)

// CacheEntry is the unit stored under every data key.
type CacheEntry[V any] struct {
	CreateTime int64 `json:"createTime"` // milliseconds since epoch
	Value      V     `json:"value"`
}

// EntryCodec (de)serializes a CacheEntry[V] to the blob stored under a data
// key. The default, jsonEntryCodec, preserves the JSON wire format spec'd
// for this system. Callers may opt into codec.CBOR or codec.Msgpack
// (wrapped via codec.Codec[CacheEntry[V]], see EntryCodecFrom) when they
// control both ends and don't need the JSON contract, or into codec.Bytes
// or codec.String (wrapped via codec.Codec[V], see ValueCodecFrom) when V
// itself is already a wire format and only needs a createTime header.
type EntryCodec[V any] interface {
	Encode(CacheEntry[V]) ([]byte, error)
	Decode([]byte) (CacheEntry[V], error)
}

type jsonEntryCodec[V any] struct{}

func (jsonEntryCodec[V]) Encode(e CacheEntry[V]) ([]byte, error) { return json.Marshal(e) }

// Decode requires createTime to be present in the blob, per spec: a
// well-formed CacheEntry is one that carries a createTime field, not merely
// one that unmarshals without error (a zero-value createTime is ambiguous
// with "field absent").
func (jsonEntryCodec[V]) Decode(b []byte) (CacheEntry[V], error) {
	var probe struct {
		CreateTime *int64 `json:"createTime"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		var zero CacheEntry[V]
		return zero, err
	}
	if probe.CreateTime == nil {
		var zero CacheEntry[V]
		return zero, fmt.Errorf("nwloader: entry missing createTime")
	}
	var e CacheEntry[V]
	if err := json.Unmarshal(b, &e); err != nil {
		return e, err
	}
	return e, nil
}

// entryCodecFrom adapts a codec.Codec[CacheEntry[V]] into an EntryCodec[V],
// for callers who want CBOR or Msgpack framing on the wire instead of
// nwloader's default JSON contract. It trusts the inner codec entirely: a
// zero-value CreateTime after Decode is not rejected, and such an entry is
// served like any other hit, its freshness decided by the Store TTL probe
// alone, since non-JSON codecs have no generic "field absent" signal to
// probe for.
type entryCodecFrom[V any] struct {
	c codec.Codec[CacheEntry[V]]
}

// EntryCodecFrom builds an EntryCodec[V] out of any codec.Codec that knows
// how to (de)serialize a CacheEntry[V] as a whole, e.g.
// codec.NewCBOR[CacheEntry[V]](false) or codec.Msgpack[CacheEntry[V]]{}.
func EntryCodecFrom[V any](c codec.Codec[CacheEntry[V]]) EntryCodec[V] {
	return entryCodecFrom[V]{c: c}
}

func (e entryCodecFrom[V]) Encode(entry CacheEntry[V]) ([]byte, error) { return e.c.Encode(entry) }
func (e entryCodecFrom[V]) Decode(b []byte) (CacheEntry[V], error)     { return e.c.Decode(b) }

// valueEnvelopeHeaderLen is the size of the createTime prefix valueCodecFrom
// puts ahead of the inner codec's payload: an 8-byte big-endian millisecond
// timestamp, in the spirit of the fixed-width length-prefixed framing the
// teacher uses for its wire formats.
const valueEnvelopeHeaderLen = 8

// valueCodecFrom adapts a codec.Codec[V] — one that only knows how to
// (de)serialize the Value field, not the whole CacheEntry, e.g. codec.Bytes
// or codec.String — into an EntryCodec[V]. It frames the inner codec's
// payload with an 8-byte big-endian createTime header, since V's own codec
// has no notion of createTime.
type valueCodecFrom[V any] struct {
	c codec.Codec[V]
}

// ValueCodecFrom builds an EntryCodec[V] out of a codec.Codec[V] that only
// handles the value itself, for V's not worth round-tripping through a
// wrapping CacheEntry[V] struct, such as codec.Bytes{} (V = []byte) or
// codec.String{} (V = string). Compare EntryCodecFrom, which takes a codec
// over the whole CacheEntry[V].
func ValueCodecFrom[V any](c codec.Codec[V]) EntryCodec[V] {
	return valueCodecFrom[V]{c: c}
}

func (v valueCodecFrom[V]) Encode(entry CacheEntry[V]) ([]byte, error) {
	payload, err := v.c.Encode(entry.Value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, valueEnvelopeHeaderLen, valueEnvelopeHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(entry.CreateTime))
	return append(buf, payload...), nil
}

func (v valueCodecFrom[V]) Decode(b []byte) (CacheEntry[V], error) {
	var zero CacheEntry[V]
	if len(b) < valueEnvelopeHeaderLen {
		return zero, fmt.Errorf("nwloader: entry too short for value codec envelope")
	}
	createTime := int64(binary.BigEndian.Uint64(b[:valueEnvelopeHeaderLen]))
	val, err := v.c.Decode(b[valueEnvelopeHeaderLen:])
	if err != nil {
		return zero, err
	}
	return CacheEntry[V]{CreateTime: createTime, Value: val}, nil
}
