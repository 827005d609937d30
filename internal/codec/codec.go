package codec

import (
	"bytes"
	"compress/gzip"
	"io"
	"math"
	"sync"

	"github.com/Harshitk-cp/strata/internal/domain"
	"go.uber.org/zap"
)

// statsAlpha is the smoothing factor for the running compression ratio EMA.
const statsAlpha = 0.2

// Stats is a snapshot of cumulative codec activity.
type Stats struct {
	Encoded       int64   `json:"encoded"`
	Skipped       int64   `json:"skipped"`
	BytesIn       int64   `json:"bytes_in"`
	BytesOut      int64   `json:"bytes_out"`
	AverageRatio  float64 `json:"average_ratio"`
	FailedEncodes int64   `json:"failed_encodes"`
}

// Codec turns memory content into storable payloads and back. Encoding is
// gzip at a level derived from the tier's target ratio; content below the
// minimum size or that fails to shrink is stored raw.
type Codec struct {
	enabled bool
	minSize int
	logger  *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func New(enabled bool, minSize int, logger *zap.Logger) *Codec {
	return &Codec{enabled: enabled, minSize: minSize, logger: logger}
}

// Encode compresses content for storage. targetRatio is the tier's desired
// compressed/original size; more aggressive targets map to higher gzip
// levels. Failures degrade to an uncompressed payload, never an error.
func (c *Codec) Encode(content []byte, targetRatio float64) domain.Payload {
	original := len(content)
	if !c.enabled || original < c.minSize {
		c.record(original, original, true, false)
		return rawPayload(content)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, levelFor(targetRatio))
	if err != nil {
		// Level is clamped, so this should never fire; degrade anyway.
		c.logger.Warn("gzip writer init failed", zap.Error(err))
		c.record(original, original, false, true)
		return rawPayload(content)
	}
	if _, err := zw.Write(content); err == nil {
		err = zw.Close()
	}
	if err != nil {
		c.logger.Warn("compression failed, storing raw",
			zap.Int("size", original), zap.Error(err))
		c.record(original, original, false, true)
		return rawPayload(content)
	}

	compressed := buf.Bytes()
	if len(compressed) >= original {
		// Incompressible content; the raw form is strictly better.
		c.record(original, original, true, false)
		return rawPayload(content)
	}

	c.record(original, len(compressed), false, false)
	return domain.Payload{
		Data:           compressed,
		Compressed:     true,
		OriginalSize:   original,
		CompressedSize: len(compressed),
	}
}

// Decode restores the original content from a payload. Decoding an
// uncompressed payload returns its data unchanged, so Decode is safe to call
// on anything the gateway hands back.
func (c *Codec) Decode(p domain.Payload) ([]byte, error) {
	if !p.Compressed || !isGzip(p.Data) {
		return p.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(p.Data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Stats returns a snapshot of cumulative codec counters.
func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Codec) record(in, out int, skipped, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BytesIn += int64(in)
	c.stats.BytesOut += int64(out)
	switch {
	case failed:
		c.stats.FailedEncodes++
	case skipped:
		c.stats.Skipped++
	default:
		c.stats.Encoded++
		ratio := float64(out) / float64(in)
		if c.stats.AverageRatio == 0 {
			c.stats.AverageRatio = ratio
		} else {
			c.stats.AverageRatio = statsAlpha*ratio + (1-statsAlpha)*c.stats.AverageRatio
		}
	}
}

// levelFor maps a target size ratio onto a gzip level: a 0.8 target (mild)
// gives level 1, a 0.4 target (aggressive) gives level 5, and so on,
// clamped to the valid 1..9 range.
func levelFor(targetRatio float64) int {
	level := int(math.Floor((1 - targetRatio) * 9))
	if level < gzip.BestSpeed {
		return gzip.BestSpeed
	}
	if level > gzip.BestCompression {
		return gzip.BestCompression
	}
	return level
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func rawPayload(content []byte) domain.Payload {
	return domain.Payload{
		Data:           content,
		Compressed:     false,
		OriginalSize:   len(content),
		CompressedSize: len(content),
	}
}
