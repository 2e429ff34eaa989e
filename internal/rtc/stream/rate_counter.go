package stream

import "time"

const (
	rateWindow  = time.Second
	rateBuckets = 10
)

// rateCounter accumulates packet/byte totals and computes the bitrate
// over a one second sliding window split into fixed buckets.
type rateCounter struct {
	packets uint64
	bytes   uint64

	bucketBytes [rateBuckets]uint64
	bucketStart [rateBuckets]int64
}

func (c *rateCounter) Update(size int, now time.Time) {
	c.packets++
	c.bytes += uint64(size)

	bucketLen := rateWindow.Milliseconds() / rateBuckets
	nowMs := now.UnixMilli()
	idx := (nowMs / bucketLen) % rateBuckets
	start := nowMs - nowMs%bucketLen

	if c.bucketStart[idx] != start {
		c.bucketStart[idx] = start
		c.bucketBytes[idx] = 0
	}
	c.bucketBytes[idx] += uint64(size)
}

// Bitrate returns the current rate in bits per second.
func (c *rateCounter) Bitrate(now time.Time) uint32 {
	nowMs := now.UnixMilli()

	var total uint64
	for i := 0; i < rateBuckets; i++ {
		if nowMs-c.bucketStart[i] < rateWindow.Milliseconds() {
			total += c.bucketBytes[i]
		}
	}
	return uint32(total * 8 * 1000 / uint64(rateWindow.Milliseconds()))
}

func (c *rateCounter) Packets() uint64 { return c.packets }
func (c *rateCounter) Bytes() uint64   { return c.bytes }
