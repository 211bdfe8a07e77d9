package synth

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

type cachedAudio struct {
	compressed []byte
	sampleRate int
}

// Cache wraps a Synthesizer with an in-memory LRU of zstd-compressed PCM,
// so re-rendering a script after changing one speaker only synthesizes the
// lines that changed.
type Cache struct {
	next    Synthesizer
	entries *lru.Cache[string, cachedAudio]
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func NewCache(next Synthesizer, size int) (*Cache, error) {
	entries, err := lru.New[string, cachedAudio](size)
	if err != nil {
		return nil, fmt.Errorf("create synth cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{next: next, entries: entries, enc: enc, dec: dec}, nil
}

func (c *Cache) Synthesize(ctx context.Context, req Request) (Audio, error) {
	key := CacheKey(req)
	if hit, ok := c.entries.Get(key); ok {
		pcm, err := c.dec.DecodeAll(hit.compressed, nil)
		if err == nil {
			return Audio{PCM: pcm, SampleRate: hit.sampleRate}, nil
		}
		c.entries.Remove(key)
	}

	out, err := c.next.Synthesize(ctx, req)
	if err != nil {
		return Audio{}, err
	}
	c.entries.Add(key, cachedAudio{
		compressed: c.enc.EncodeAll(out.PCM, nil),
		sampleRate: out.SampleRate,
	})
	return out, nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Close releases the decoder's goroutines.
func (c *Cache) Close() {
	c.dec.Close()
}

// CacheKey identifies every input that can change synthesized audio.
func CacheKey(req Request) string {
	h := sha256.New()
	for _, s := range []string{req.Text, req.VoiceID, req.Encoding, string(req.Mode)} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	var nums [16]byte
	binary.LittleEndian.PutUint64(nums[:8], math.Float64bits(req.Speed))
	binary.LittleEndian.PutUint64(nums[8:], uint64(req.SampleRate))
	h.Write(nums[:])
	return hex.EncodeToString(h.Sum(nil))
}
