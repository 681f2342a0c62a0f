package store

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/familycore/famcore/internal/cit"
)

// FTSStore is a minimal full-text index over record text (§3, §4.5.2).
// Tokenization is Unicode lowercasing (no accent or ASCII folding) + a
// handful of English suffix strips — not
// locale-aware (documented as an explicit decision rather than a gap); the
// "und" language tag on a doc marks it as indexed with this default
// tokenizer rather than a language-specific one.
type FTSStore struct {
	db *sql.DB
}

func NewFTSStore(db *sql.DB) *FTSStore { return &FTSStore{db: db} }

// Tokenize lowercases, strips punctuation, and applies a light suffix-strip
// stemmer ("running" -> "runn", "cats" -> "cat").
func Tokenize(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, stem(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range text {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func stem(w string) string {
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return strings.TrimSuffix(w, suf)
		}
	}
	return w
}

// IndexTx builds and stores (or replaces) the FTS doc for a record.
func (s *FTSStore) IndexTx(tx *sql.Tx, recordID cit.RecordId, text, language string) error {
	tokens := Tokenize(text)
	positions := map[string][]int{}
	for i, t := range tokens {
		positions[t] = append(positions[t], i)
	}
	if language == "" {
		language = "und"
	}
	_, err := tx.Exec(`
		INSERT INTO fts_docs (record_id, tokens, positions, language)
		VALUES (?,?,?,?)
		ON CONFLICT(record_id) DO UPDATE SET
			tokens = excluded.tokens,
			positions = excluded.positions,
			language = excluded.language
	`, string(recordID), strings.Join(tokens, " "), encodePositions(positions), language)
	return err
}

// Match is one scored full-text hit.
type Match struct {
	RecordId cit.RecordId
	Score    float64
}

// Search runs a simple OR query over query's tokens, scoring each doc by a
// BM25-style term frequency / inverse document frequency formula.
func (s *FTSStore) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record_id, tokens FROM fts_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type doc struct {
		id     cit.RecordId
		tokens []string
	}
	var docs []doc
	df := map[string]int{}
	for rows.Next() {
		var id, tokensStr string
		if err := rows.Scan(&id, &tokensStr); err != nil {
			return nil, err
		}
		toks := splitNonEmptySpace(tokensStr)
		docs = append(docs, doc{id: cit.RecordId(id), tokens: toks})
		seen := map[string]bool{}
		for _, t := range toks {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const k1 = 1.2
	const b = 0.75
	var avgLen float64
	for _, d := range docs {
		avgLen += float64(len(d.tokens))
	}
	if len(docs) > 0 {
		avgLen /= float64(len(docs))
	}

	var out []Match
	for _, d := range docs {
		tf := map[string]int{}
		for _, t := range d.tokens {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			n := float64(len(docs))
			idf := 0.0
			if df[qt] > 0 {
				idf = math.Log(n/float64(df[qt]) + 1)
			}
			denom := f + k1*(1-b+b*float64(len(d.tokens))/max1(avgLen))
			score += idf * (f * (k1 + 1) / denom)
		}
		if score > 0 {
			out = append(out, Match{RecordId: d.id, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordId < out[j].RecordId
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func max1(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}

func encodePositions(p map[string][]int) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte(':')
		for j, pos := range p[k] {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(pos))
		}
	}
	return b.String()
}

func splitNonEmptySpace(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
