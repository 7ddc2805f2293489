package memory

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/haricheung/agent-town/internal/metrics"
)

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Batch is the result of FetchBatch. Embeddings[i] and Hits[i] belong to
// texts[i]; Hits[i] is set when the vector came from the cache.
type Batch struct {
	Embeddings [][]float64
	Hits       []bool
}

// HitCount returns how many texts were served from the cache.
func (b Batch) HitCount() int {
	n := 0
	for _, hit := range b.Hits {
		if hit {
			n++
		}
	}
	return n
}

// EmbeddingCache is a content-addressed embedding cache. Keys are the blake3
// hash of the exact text bytes, so the same text is embedded at most once.
type EmbeddingCache struct {
	db      *leveldb.DB
	emb     Embedder
	metrics *metrics.Metrics
	group   singleflight.Group
}

func newEmbeddingCache(db *leveldb.DB, emb Embedder, m *metrics.Metrics) *EmbeddingCache {
	if m == nil {
		m = metrics.Nop()
	}
	return &EmbeddingCache{db: db, emb: emb, metrics: m}
}

// Fetch returns the embedding of one text.
func (c *EmbeddingCache) Fetch(ctx context.Context, text string) ([]float64, error) {
	b, err := c.FetchBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return b.Embeddings[0], nil
}

// FetchBatch returns embeddings for texts in order.
//
// Expectations:
//   - Cached texts are served without calling the Embedder
//   - All misses of one call go to the Embedder in a single request
//   - A text already being embedded by a concurrent call is awaited, not re-requested
//   - Newly embedded vectors are persisted before returning
//   - Returns the Embedder's error when any miss could not be embedded
func (c *EmbeddingCache) FetchBatch(ctx context.Context, texts []string) (Batch, error) {
	out := Batch{Embeddings: make([][]float64, len(texts)), Hits: make([]bool, len(texts))}

	var missKeys, missTexts []string
	slots := map[string][]int{}
	for i, text := range texts {
		key := cacheKey(text)
		if v, ok := c.get(key); ok {
			out.Embeddings[i] = v
			out.Hits[i] = true
			continue
		}
		if _, seen := slots[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, text)
		}
		slots[key] = append(slots[key], i)
	}
	hits := out.HitCount()
	c.metrics.CacheHits.Add(float64(hits))
	if len(missKeys) == 0 {
		return out, nil
	}
	c.metrics.CacheMisses.Add(float64(len(texts) - hits))

	// One Embedder request serves every key this call leads; keys already in
	// flight elsewhere are joined instead.
	var (
		once sync.Once
		vecs [][]float64
		berr error
	)
	request := func() {
		once.Do(func() {
			vecs, berr = c.emb.Embed(ctx, missTexts)
			if berr == nil && len(vecs) != len(missTexts) {
				berr = fmt.Errorf("memory: embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
			}
			if berr != nil {
				return
			}
			batch := new(leveldb.Batch)
			for j, key := range missKeys {
				batch.Put([]byte(key), encodeVector(vecs[j]))
			}
			if err := c.db.Write(batch, nil); err != nil {
				slog.Warn("[MEMORY] persist embeddings failed", "count", len(missKeys), "error", err)
			}
		})
	}

	chans := make([]<-chan singleflight.Result, len(missKeys))
	for j, key := range missKeys {
		chans[j] = c.group.DoChan(key, func() (any, error) {
			request()
			if berr != nil {
				return nil, berr
			}
			return vecs[j], nil
		})
	}
	for j, ch := range chans {
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
		if res.Err != nil {
			return Batch{}, fmt.Errorf("memory: embed: %w", res.Err)
		}
		v := res.Val.([]float64)
		for _, i := range slots[missKeys[j]] {
			out.Embeddings[i] = v
		}
	}
	return out, nil
}

func (c *EmbeddingCache) get(key string) ([]float64, bool) {
	data, err := c.db.Get([]byte(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			slog.Warn("[MEMORY] cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	v, err := decodeVector(data)
	if err != nil {
		slog.Warn("[MEMORY] corrupt cache entry", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// cacheKey returns "e|<hex blake3 of text>".
func cacheKey(text string) string {
	sum := blake3.Sum256([]byte(text))
	return prefixEmbedding + hex.EncodeToString(sum[:])
}

// encodeVector packs v as little-endian float64s.
func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("vector length %d is not a multiple of 8", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v, nil
}
