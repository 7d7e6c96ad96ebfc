package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultMaxResults caps recall output when the caller asks for zero.
const defaultMaxResults = 10

// recallLayerNames lists the default layer set in execution order.
var recallLayerNames = []string{"keyword", "semantic", "temporal", "relational"}

// corpus is one persona's in-memory memory store.
type corpus struct {
	mu       sync.RWMutex
	memories []CorpusMemory
	events   []CorpusTimelineEvent
	// byID indexes memories for relational recall and access updates.
	byID map[string]int
}

// Manager owns the per-persona corpora. Appends take the persona's lock;
// recall works on a read snapshot.
type Manager struct {
	mu       sync.RWMutex
	personas map[string]*corpus
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{personas: map[string]*corpus{}}
}

func (m *Manager) corpusFor(personaID string) *corpus {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.personas[personaID]
	if !ok {
		c = &corpus{byID: map[string]int{}}
		m.personas[personaID] = c
	}
	return c
}

// LoadCorpus replaces a persona's corpus with the given records and events.
func (m *Manager) LoadCorpus(personaID string, memories []CorpusMemory, events []CorpusTimelineEvent) LoadCorpusResponse {
	start := time.Now()
	c := m.corpusFor(personaID)

	c.mu.Lock()
	c.memories = memories
	c.events = events
	c.byID = make(map[string]int, len(memories))
	for i, mem := range memories {
		c.byID[mem.Record.ID] = i
	}
	c.mu.Unlock()

	resp := LoadCorpusResponse{
		MemoryCount:        len(memories),
		TimelineEventCount: len(events),
		LoadTimeMS:         float64(time.Since(start).Microseconds()) / 1000,
	}
	for _, mem := range memories {
		if len(mem.Embedding) > 0 {
			resp.EmbeddedMemoryCount++
		}
	}
	for _, ev := range events {
		if len(ev.Embedding) > 0 {
			resp.EmbeddedEventCount++
		}
	}
	return resp
}

// AppendMemory adds one memory to a persona's corpus.
func (m *Manager) AppendMemory(personaID string, mem CorpusMemory) error {
	if mem.Record.ID == "" {
		return fmt.Errorf("memory record has no id")
	}
	c := m.corpusFor(personaID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[mem.Record.ID]; exists {
		return fmt.Errorf("memory %s already in corpus", mem.Record.ID)
	}
	c.byID[mem.Record.ID] = len(c.memories)
	c.memories = append(c.memories, mem)
	return nil
}

// AppendEvent adds one timeline event to a persona's corpus.
func (m *Manager) AppendEvent(personaID string, ev CorpusTimelineEvent) error {
	if ev.Event.ID == "" {
		return fmt.Errorf("timeline event has no id")
	}
	c := m.corpusFor(personaID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// scored pairs a record index with a layer assignment.
type scored struct {
	index int
	layer string
	score float64
}

// MultiLayerRecall runs the requested recall layers, de-duplicates by
// record id keeping the highest-scoring layer assignment, sorts by score,
// and truncates to MaxResults. Access metadata on returned records is
// updated in place.
func (m *Manager) MultiLayerRecall(personaID string, req *RecallRequest) (RecallResponse, error) {
	start := time.Now()
	c := m.corpusFor(personaID)

	// Read snapshot: layers operate on a stable view.
	c.mu.RLock()
	memories := make([]CorpusMemory, len(c.memories))
	copy(memories, c.memories)
	c.mu.RUnlock()

	layers := req.Layers
	if len(layers) == 0 {
		layers = recallLayerNames
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	var timings []LayerTiming
	var candidates []scored
	totalCandidates := 0

	for _, layer := range layers {
		layerStart := time.Now()
		var found []scored
		switch layer {
		case "keyword":
			found = recallKeyword(req.QueryText, memories)
		case "semantic":
			found = recallSemantic(req.QueryEmbedding, memories)
		case "temporal":
			found = recallTemporal(memories)
		case "relational":
			found = recallRelational(req.QueryText, memories)
		default:
			return RecallResponse{}, fmt.Errorf("unknown recall layer %q", layer)
		}
		candidates = append(candidates, found...)
		totalCandidates += len(found)
		timings = append(timings, LayerTiming{
			Layer:        layer,
			TimeMS:       float64(time.Since(layerStart).Microseconds()) / 1000,
			ResultsFound: len(found),
		})
	}

	// De-duplicate by record id, keeping the highest-scoring assignment.
	best := map[string]scored{}
	for _, cand := range candidates {
		id := memories[cand.index].Record.ID
		if prev, ok := best[id]; !ok || cand.score > prev.score {
			best[id] = cand
		}
	}
	merged := make([]scored, 0, len(best))
	for _, cand := range best {
		merged = append(merged, cand)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].score > merged[j].score })
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}

	now := time.Now()
	out := make([]Record, 0, len(merged))
	c.mu.Lock()
	for _, cand := range merged {
		rec := memories[cand.index].Record
		rec.Layer = cand.layer
		rec.RelevanceScore = cand.score
		// Access metadata mutates on recall; everything else is immutable.
		if idx, ok := c.byID[rec.ID]; ok {
			c.memories[idx].Record.AccessCount++
			c.memories[idx].Record.LastAccessedAt = &now
			rec.AccessCount = c.memories[idx].Record.AccessCount
			rec.LastAccessedAt = &now
		}
		out = append(out, rec)
	}
	c.mu.Unlock()

	return RecallResponse{
		Memories:        out,
		RecallTimeMS:    float64(time.Since(start).Microseconds()) / 1000,
		LayerTimings:    timings,
		TotalCandidates: totalCandidates,
	}, nil
}

// recallKeyword scores tags + content with BM25.
func recallKeyword(query string, memories []CorpusMemory) []scored {
	if strings.TrimSpace(query) == "" || len(memories) == 0 {
		return nil
	}
	docs := make([]string, len(memories))
	for i, mem := range memories {
		docs[i] = strings.Join(mem.Record.Tags, " ") + " " + mem.Record.Content
	}
	scorer := newBM25Scorer(query, docs)
	var out []scored
	for i := range memories {
		if s := scorer.score(i); s > 0 {
			out = append(out, scored{index: i, layer: "keyword", score: s})
		}
	}
	return out
}

// recallSemantic scores embedded memories by cosine similarity against the
// query embedding. Runs only when the query has an embedding.
func recallSemantic(queryEmbedding []float32, memories []CorpusMemory) []scored {
	if len(queryEmbedding) == 0 {
		return nil
	}
	var out []scored
	for i, mem := range memories {
		if len(mem.Embedding) == 0 {
			continue
		}
		if sim := cosineSimilarity(queryEmbedding, mem.Embedding); sim > 0.3 {
			out = append(out, scored{index: i, layer: "semantic", score: sim})
		}
	}
	return out
}

// temporalWindow bounds how far back the recency layer looks.
const temporalWindow = 24 * time.Hour

// recallTemporal surfaces recent memories with a linear recency decay,
// weighted by importance.
func recallTemporal(memories []CorpusMemory) []scored {
	now := time.Now()
	var out []scored
	for i, mem := range memories {
		age := now.Sub(mem.Record.Timestamp)
		if age < 0 || age > temporalWindow {
			continue
		}
		recency := 1 - float64(age)/float64(temporalWindow)
		score := recency * (0.5 + 0.5*mem.Record.Importance)
		out = append(out, scored{index: i, layer: "temporal", score: score})
	}
	return out
}

// recallRelational walks related_to links out of the top keyword seeds,
// surfacing neighbours the keyword layer missed.
func recallRelational(query string, memories []CorpusMemory) []scored {
	seeds := recallKeyword(query, memories)
	if len(seeds) == 0 {
		return nil
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].score > seeds[j].score })
	if len(seeds) > 3 {
		seeds = seeds[:3]
	}

	byID := make(map[string]int, len(memories))
	for i, mem := range memories {
		byID[mem.Record.ID] = i
	}
	seedSet := map[int]struct{}{}
	for _, s := range seeds {
		seedSet[s.index] = struct{}{}
	}

	var out []scored
	seen := map[int]struct{}{}
	for _, seed := range seeds {
		for _, relID := range memories[seed.index].Record.RelatedTo {
			idx, ok := byID[relID]
			if !ok {
				continue
			}
			if _, isSeed := seedSet[idx]; isSeed {
				continue
			}
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			// Neighbours inherit a discounted share of the seed's score.
			out = append(out, scored{index: idx, layer: "relational", score: seed.score * 0.6})
		}
	}
	return out
}
