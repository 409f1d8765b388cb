// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math"

	"github.com/spaolacci/murmur3"
)

// HashKey returns a deterministic 64-bit hash of a key. The hash
// must be identical on every locality and across processes, since it
// decides both the owning locality and the bucket within a shard;
// it is therefore computed over a deterministic byte encoding of the
// key, never over in-memory representation. Common scalar types get
// fast paths; everything else falls back to gob, which is
// deterministic for a fixed type and value on a fresh encoder.
func hashKey(key interface{}) uint64 {
	switch k := key.(type) {
	case string:
		return murmur3.Sum64([]byte(k))
	case []byte:
		return murmur3.Sum64(k)
	case int:
		return hashUint64(uint64(k))
	case int8:
		return hashUint64(uint64(k))
	case int16:
		return hashUint64(uint64(k))
	case int32:
		return hashUint64(uint64(k))
	case int64:
		return hashUint64(uint64(k))
	case uint:
		return hashUint64(uint64(k))
	case uint8:
		return hashUint64(uint64(k))
	case uint16:
		return hashUint64(uint64(k))
	case uint32:
		return hashUint64(uint64(k))
	case uint64:
		return hashUint64(k)
	case uintptr:
		return hashUint64(uint64(k))
	case float32:
		return hashUint64(uint64(math.Float32bits(k)))
	case float64:
		return hashUint64(math.Float64bits(k))
	case bool:
		if k {
			return hashUint64(1)
		}
		return hashUint64(0)
	default:
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(&key); err != nil {
			panic("bigmap: cannot hash key: " + err.Error())
		}
		return murmur3.Sum64(b.Bytes())
	}
}

func hashUint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return murmur3.Sum64(b[:])
}
