package sim

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// field identifies an independent random stream within a row.
type field uint64

const (
	fieldSegment field = iota + 1
	fieldAmount
	fieldIdentity
	fieldFraud
	fieldLatency
)

// fieldSource returns a PCG source derived only from (seed, row, field), so
// any row can be sampled without touching its neighbours.
func fieldSource(seed int64, row int, f field) rand.Source {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(seed))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(row))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f))
	hi := xxhash.Sum64(buf[:])

	// second word: same key, different byte order of the inputs
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(seed))
	lo := xxhash.Sum64(buf[:])

	return rand.NewPCG(hi, lo)
}
