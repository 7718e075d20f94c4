// Package bm25 implements a tokenized inverted-index text engine and
// BM25 scoring over per-id content, the lexical half of the hybrid
// retrieval layer. Tokenization keeps hyphen and underscore as word
// characters, drops short tokens and a small stop-word set, and applies
// a light suffix stemmer — deliberately simpler than a full Porter-style
// stemmer, since the reference scoring engine this package's formula is
// ported from runs no multi-language stemming pass of its own.
package bm25

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/herr"
)

// Result is one ranked hit from a Search call.
type Result struct {
	ID           uint64
	Score        float64
	MatchedTerms []string
}

var tokenRegexp = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

var defaultStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "this": {}, "but": {}, "they": {}, "have": {},
}

// stemLight strips a trailing "ing" or "ed", or a trailing "s" that is
// not part of "ss".
func stemLight(word string) string {
	switch {
	case strings.HasSuffix(word, "ing") && len(word) > 3:
		return word[:len(word)-3]
	case strings.HasSuffix(word, "ed") && len(word) > 2:
		return word[:len(word)-2]
	case strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") && len(word) > 1:
		return word[:len(word)-1]
	default:
		return word
	}
}

func tokenize(text string, cfg config.BM25Config) []string {
	raw := tokenRegexp.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if tok == "" {
			continue
		}
		if cfg.Lowercase {
			tok = strings.ToLower(tok)
		}
		if len(tok) < cfg.MinTokenLen {
			continue
		}
		if _, stop := defaultStopWords[strings.ToLower(tok)]; stop {
			continue
		}
		if cfg.StemmingLight {
			tok = stemLight(tok)
		}
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

type posting struct {
	id uint64
	tf uint32
}

type document struct {
	id      uint64
	length  int
	termSet map[string]uint32 // term -> frequency within this document
}

// Engine is one BM25 inverted-index instance: postings, per-document
// length, and the running corpus statistics needed for idf/length
// normalization. One mutex guards all state; add and search are both
// short, so contention is acceptable.
type Engine struct {
	mu sync.RWMutex

	cfg config.BM25Config

	postings        map[string][]posting
	documentFreq    map[string]uint32
	documents       map[uint64]*document
	totalTermLength int64
}

// New builds an empty engine from cfg.
func New(cfg config.BM25Config) *Engine {
	return &Engine{
		cfg:          cfg,
		postings:     make(map[string][]posting),
		documentFreq: make(map[string]uint32),
		documents:    make(map[uint64]*document),
	}
}

func (e *Engine) avgDocLength() float64 {
	if len(e.documents) == 0 {
		return 0
	}
	return float64(e.totalTermLength) / float64(len(e.documents))
}

// Add tokenizes content and indexes it under id. It fails with
// AlreadyExists if id is already indexed.
func (e *Engine) Add(id uint64, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.documents[id]; exists {
		return herr.Newf(herr.AlreadyExists, "document %d already indexed", id)
	}

	tokens := tokenize(content, e.cfg)
	termFreq := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}

	doc := &document{id: id, length: len(tokens), termSet: termFreq}
	e.documents[id] = doc
	e.totalTermLength += int64(len(tokens))

	for term, freq := range termFreq {
		e.postings[term] = append(e.postings[term], posting{id: id, tf: freq})
		e.documentFreq[term]++
	}
	return nil
}

// Remove erases id from the engine, decrementing the document
// frequency of every term it contributed and deleting its postings.
func (e *Engine) Remove(id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id)
}

func (e *Engine) removeLocked(id uint64) (bool, error) {
	doc, exists := e.documents[id]
	if !exists {
		return false, nil
	}

	for term := range doc.termSet {
		postings := e.postings[term]
		for i, p := range postings {
			if p.id == id {
				e.postings[term] = append(postings[:i], postings[i+1:]...)
				break
			}
		}
		if len(e.postings[term]) == 0 {
			delete(e.postings, term)
		}
		if e.documentFreq[term] > 0 {
			e.documentFreq[term]--
		}
		if e.documentFreq[term] == 0 {
			delete(e.documentFreq, term)
		}
	}

	e.totalTermLength -= int64(doc.length)
	delete(e.documents, id)
	return true, nil
}

// Update replaces the content indexed under id, implemented as Remove
// followed by Add under a single lock acquisition.
func (e *Engine) Update(id uint64, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.removeLocked(id); err != nil {
		return err
	}

	tokens := tokenize(content, e.cfg)
	termFreq := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}
	doc := &document{id: id, length: len(tokens), termSet: termFreq}
	e.documents[id] = doc
	e.totalTermLength += int64(len(tokens))
	for term, freq := range termFreq {
		e.postings[term] = append(e.postings[term], posting{id: id, tf: freq})
		e.documentFreq[term]++
	}
	return nil
}

// DocumentCount returns the number of indexed documents.
func (e *Engine) DocumentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.documents)
}

// TermCount returns the number of distinct terms in the index.
func (e *Engine) TermCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.postings)
}

// AverageDocumentLength returns total_terms / doc_count.
func (e *Engine) AverageDocumentLength() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.avgDocLength()
}

// Search tokenizes query identically to Add, scores every document
// that shares at least one term with it via BM25(k1, b), drops scores
// below minScore, and returns the top k ordered by descending score
// with ties broken by ascending id.
func (e *Engine) Search(query string, k int, minScore float64) ([]Result, error) {
	if k <= 0 {
		return nil, herr.New(herr.InvalidArgument, "k must be positive")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.documents) == 0 {
		return nil, nil
	}

	queryTerms := tokenize(query, e.cfg)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	n := float64(len(e.documents))
	avgLen := e.avgDocLength()

	scores := make(map[uint64]float64)
	matched := make(map[uint64][]string)

	seenQueryTerms := make(map[string]struct{}, len(queryTerms))
	for _, term := range queryTerms {
		if _, dup := seenQueryTerms[term]; dup {
			continue
		}
		seenQueryTerms[term] = struct{}{}

		df := e.documentFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)

		for _, p := range e.postings[term] {
			doc := e.documents[p.id]
			tf := float64(p.tf)
			numerator := tf * (e.cfg.K1 + 1)
			denominator := tf + e.cfg.K1*(1-e.cfg.B+e.cfg.B*float64(doc.length)/avgLen)
			scores[p.id] += idf * (numerator / denominator)
			matched[p.id] = append(matched[p.id], term)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score, MatchedTerms: matched[id]})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
