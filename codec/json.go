package codec

import "encoding/json"

// JSONCodec is the plain encoding/json Codec. nwloader's default
// EntryCodec performs its own JSON handling (it needs to validate
// createTime is present), so JSONCodec is mainly useful wrapped in
// LimitCodec, or as the CacheEntry codec behind EntryCodecFrom when a caller
// wants explicit control over the CacheEntry wire format.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
