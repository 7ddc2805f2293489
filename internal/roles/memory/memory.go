// Package memory implements the memory gateway: a content-addressed embedding
// cache and a per-agent memory store, both backed by one LevelDB database.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/types"
)

// LevelDB key prefix scheme. "|" separates parts; owner ids never contain it.
//
//	e|<blake3 hex>        → packed float64 vector  (embedding cache)
//	m|<owner>|<id>        → Memory JSON            (primary record)
//	r|<owner>|<id>        → unix ms                (last access; only mutable key)
const (
	prefixEmbedding = "e|"
	prefixMemory    = "m|"
	prefixAccess    = "r|"
)

// recencyDecay is the per-hour decay of a memory's recency score.
const recencyDecay = 0.99

type touch struct {
	owner, id string
	at        int64
}

// Store is the LevelDB-backed memory store.
// Remember and Search are synchronous; last-access refreshes are queued and
// written by Run.
type Store struct {
	db      *leveldb.DB
	cache   *EmbeddingCache
	touchCh chan touch
	now     func() time.Time

	closeOnce sync.Once
}

// Open opens (or creates) a LevelDB database at dbPath. An empty dbPath keeps
// everything in memory.
func Open(dbPath string, emb Embedder, m *metrics.Metrics) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dbPath == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dbPath, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open %q: %w", dbPath, err)
	}
	return &Store{
		db:      db,
		cache:   newEmbeddingCache(db, emb, m),
		touchCh: make(chan touch, 1024),
		now:     time.Now,
	}, nil
}

// Cache returns the embedding cache sharing this store's database.
func (s *Store) Cache() *EmbeddingCache { return s.cache }

// Remember embeds description and persists it as a memory owned by ownerID.
//
// Expectations:
//   - Assigns a fresh id and sets LastAccess to now
//   - Importance is clamped to [0, 9]
//   - Returns the embedder error without persisting anything
func (s *Store) Remember(ctx context.Context, ownerID, description string, importance float64, kind string) (types.Memory, error) {
	vec, err := s.cache.Fetch(ctx, description)
	if err != nil {
		return types.Memory{}, err
	}
	m := types.Memory{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Description: description,
		Embedding:   vec,
		Importance:  math.Max(0, math.Min(9, importance)),
		LastAccess:  s.now().UnixMilli(),
		Kind:        kind,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return types.Memory{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(memoryKey(ownerID, m.ID)), data)
	batch.Put([]byte(accessKey(ownerID, m.ID)), []byte(strconv.FormatInt(m.LastAccess, 10)))
	if err := s.db.Write(batch, nil); err != nil {
		return types.Memory{}, fmt.Errorf("memory: persist %s: %w", m.ID, err)
	}
	slog.Debug("[MEMORY] remembered", "owner", ownerID, "id", m.ID, "kind", kind, "importance", m.Importance)
	return m, nil
}

// Search returns the k memories of ownerID most relevant to vector.
// Relevance is the sum of min-max normalized cosine similarity, importance and
// recency (0.99 per hour since last access). Returned memories have their last
// access refreshed asynchronously.
//
// Expectations:
//   - Returns an empty slice (not error) when the owner has no memories
//   - Results are sorted by Score descending, ties by id
//   - Only memories of ownerID are considered
//   - Embeddings are not included in the results
func (s *Store) Search(ctx context.Context, ownerID string, vector []float64, k int) ([]types.Memory, error) {
	mems, err := s.List(ctx, ownerID)
	if err != nil || len(mems) == 0 || k <= 0 {
		return nil, err
	}

	nowMs := s.now().UnixMilli()
	sim := make([]float64, len(mems))
	imp := make([]float64, len(mems))
	rec := make([]float64, len(mems))
	for i, m := range mems {
		sim[i] = cosine(vector, m.Embedding)
		imp[i] = m.Importance
		hours := math.Max(0, float64(nowMs-m.LastAccess)/float64(time.Hour.Milliseconds()))
		rec[i] = math.Pow(recencyDecay, hours)
	}
	sim, imp, rec = normalize(sim), normalize(imp), normalize(rec)
	for i := range mems {
		mems[i].Score = sim[i] + imp[i] + rec[i]
		mems[i].Embedding = nil
	}
	sort.SliceStable(mems, func(i, j int) bool {
		if mems[i].Score != mems[j].Score {
			return mems[i].Score > mems[j].Score
		}
		return mems[i].ID < mems[j].ID
	})
	if len(mems) > k {
		mems = mems[:k]
	}
	for _, m := range mems {
		s.touch(ownerID, m.ID, nowMs)
	}
	return mems, nil
}

// List returns every memory of ownerID with its current last-access time.
func (s *Store) List(_ context.Context, ownerID string) ([]types.Memory, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(ownerPrefix(ownerID))), nil)
	defer iter.Release()

	var out []types.Memory
	for iter.Next() {
		var m types.Memory
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			slog.Warn("[MEMORY] skipping corrupt record", "key", string(iter.Key()), "error", err)
			continue
		}
		if raw, err := s.db.Get([]byte(accessKey(ownerID, m.ID)), nil); err == nil {
			if at, err := strconv.ParseInt(string(raw), 10, 64); err == nil && at > m.LastAccess {
				m.LastAccess = at
			}
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// touch enqueues a last-access refresh. Drops it with a warning when the
// queue is full.
func (s *Store) touch(owner, id string, at int64) {
	select {
	case s.touchCh <- touch{owner: owner, id: id, at: at}:
	default:
		slog.Warn("[MEMORY] access queue full, dropping refresh", "owner", owner, "id", id)
	}
}

// Run writes queued last-access refreshes. Drains the queue and closes the DB
// when ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := s.Close(); err != nil {
				slog.Warn("[MEMORY] DB close error", "error", err)
			}
			return
		case t := <-s.touchCh:
			s.persistTouch(t)
		}
	}
}

// Close drains pending refreshes and closes the database. Safe to call twice.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.drainTouches()
		err = s.db.Close()
	})
	return err
}

func (s *Store) drainTouches() {
	for {
		select {
		case t := <-s.touchCh:
			s.persistTouch(t)
		default:
			return
		}
	}
}

func (s *Store) persistTouch(t touch) {
	err := s.db.Put([]byte(accessKey(t.owner, t.id)), []byte(strconv.FormatInt(t.at, 10)), nil)
	if err != nil && !errors.Is(err, leveldb.ErrClosed) {
		slog.Warn("[MEMORY] access refresh failed", "owner", t.owner, "id", t.id, "error", err)
	}
}

// Gateway answers "what does this agent remember about this text".
type Gateway struct {
	store *Store
}

// NewGateway returns a Gateway over s.
func NewGateway(s *Store) *Gateway { return &Gateway{store: s} }

// Recall embeds query through the cache and returns the k most relevant
// memories of ownerID.
func (g *Gateway) Recall(ctx context.Context, ownerID, query string, k int) ([]types.Memory, error) {
	vec, err := g.store.cache.Fetch(ctx, query)
	if err != nil {
		return nil, err
	}
	return g.store.Search(ctx, ownerID, vec, k)
}

// ---------------------------------------------------------------------------
// Scoring helpers
// ---------------------------------------------------------------------------

// cosine returns the cosine similarity of a and b over their common prefix,
// 0 when either has zero magnitude.
func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize rescales xs to [0, 1]. A constant series maps to 0.5.
func normalize(xs []float64) []float64 {
	if len(xs) == 0 {
		return xs
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		if hi == lo {
			out[i] = 0.5
		} else {
			out[i] = (x - lo) / (hi - lo)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

func ownerPrefix(owner string) string {
	return prefixMemory + safeKeyPart(owner) + "|"
}

func memoryKey(owner, id string) string {
	return ownerPrefix(owner) + id
}

func accessKey(owner, id string) string {
	return prefixAccess + safeKeyPart(owner) + "|" + id
}

// safeKeyPart replaces "|" with "_" so LevelDB keys parse unambiguously.
func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
