// Package rulebased is a deterministic extractor built on capitalised
// phrase and verb pattern heuristics. It exists so pipelines run end to
// end without a model-backed extractor; accuracy is whatever the
// heuristics give.
package rulebased

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"graphweave/internal/graph"
)

// Organisation suffixes used to classify a capitalised phrase.
var orgSuffixes = map[string]struct{}{
	"corp": {}, "corporation": {}, "inc": {}, "ltd": {}, "llc": {},
	"company": {}, "gmbh": {}, "labs": {}, "group": {},
}

// Words ignored when they start a sentence capitalised.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "it": {}, "he": {}, "she": {}, "they": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "there": {}, "however": {},
	"in": {}, "on": {}, "at": {}, "and": {}, "but": {}, "or": {}, "if": {},
	"when": {}, "while": {}, "after": {}, "before": {}, "meanwhile": {},
}

// verbPatterns map the text between two mentions to a relation type.
var verbPatterns = map[string]string{
	"works at":    "WORKS_FOR",
	"works for":   "WORKS_FOR",
	"employed by": "WORKS_FOR",
	"founded":     "FOUNDED",
	"acquired":    "ACQUIRED",
	"manages":     "MANAGES",
	"knows":       "KNOWS",
	"located in":  "LOCATED_IN",
	"based in":    "LOCATED_IN",
}

// Extractor implements both the entity and relation extraction contracts.
type Extractor struct {
	logger *zap.Logger
}

// New creates an extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// ExtractEntities finds capitalised phrases and classifies them as
// organisations (by suffix) or persons. Entity ids are deterministic slugs
// of the name so repeated mentions collapse.
func (e *Extractor) ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graph.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allowed := typeSet(entityTypes)
	seen := make(map[string]struct{})
	var entities []*graph.Entity

	for _, phrase := range capitalisedPhrases(text) {
		entityType := classify(phrase)
		if allowed != nil {
			if _, ok := allowed[strings.ToLower(entityType)]; !ok {
				continue
			}
		}
		id := slug(entityType, phrase)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ent := &graph.Entity{
			ID:         id,
			Type:       entityType,
			Properties: map[string]graph.Value{"name": graph.String(phrase)},
		}
		entities = append(entities, ent)
	}
	e.logger.Debug("rule based entity extraction",
		zap.Int("entities", len(entities)), zap.Int("text_len", len(text)))
	return entities, nil
}

// ExtractRelations matches verb patterns between entity mentions inside
// one sentence.
func (e *Extractor) ExtractRelations(ctx context.Context, text string, entities []*graph.Entity, relationTypes []string) ([]*graph.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allowed := typeSet(relationTypes)
	byName := make(map[string]*graph.Entity, len(entities))
	var names []string
	for _, ent := range entities {
		name := ent.Property("name").String()
		if name == "" {
			continue
		}
		if _, dup := byName[name]; !dup {
			byName[name] = ent
			names = append(names, name)
		}
	}

	seen := make(map[string]struct{})
	var relations []*graph.Relation
	for _, sentence := range splitSentences(text) {
		mentions := findMentions(sentence, names)
		for i := 0; i+1 < len(mentions); i++ {
			gap := strings.ToLower(strings.TrimSpace(
				sentence[mentions[i].end:mentions[i+1].start]))
			relType, ok := verbPatterns[gap]
			if !ok {
				continue
			}
			if allowed != nil {
				if _, ok := allowed[strings.ToLower(relType)]; !ok {
					continue
				}
			}
			src := byName[mentions[i].name]
			dst := byName[mentions[i+1].name]
			id := relType + ":" + src.ID + ":" + dst.ID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			relations = append(relations, &graph.Relation{
				ID:       id,
				Type:     relType,
				SourceID: src.ID,
				TargetID: dst.ID,
			})
		}
	}
	return relations, nil
}

type mention struct {
	name  string
	start int
	end   int
}

// findMentions locates entity names in a sentence by byte offset, longest
// name first so "Tech Corp" wins over a hypothetical "Tech".
func findMentions(sentence string, names []string) []mention {
	ordered := append([]string{}, names...)
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	var mentions []mention
	taken := make([]bool, len(sentence))
	for _, name := range ordered {
		from := 0
		for {
			i := strings.Index(sentence[from:], name)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(name)
			free := true
			for j := start; j < end; j++ {
				if taken[j] {
					free = false
					break
				}
			}
			if free {
				for j := start; j < end; j++ {
					taken[j] = true
				}
				mentions = append(mentions, mention{name: name, start: start, end: end})
			}
			from = end
		}
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].start < mentions[j].start })
	return mentions
}

func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

func classify(phrase string) string {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) > 0 {
		last := strings.Trim(words[len(words)-1], ".,")
		if _, ok := orgSuffixes[last]; ok {
			return "Company"
		}
	}
	return "Person"
}

func slug(entityType, name string) string {
	canonical := strings.Join(strings.Fields(strings.ToLower(name)), "_")
	return strings.ToLower(entityType) + ":" + canonical
}

// capitalisedPhrases returns maximal runs of capitalised words, skipping
// sentence-initial stopwords.
func capitalisedPhrases(text string) []string {
	var phrases []string
	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		var run []string
		flush := func() {
			if len(run) > 0 {
				phrases = append(phrases, strings.Join(run, " "))
				run = nil
			}
		}
		for i, word := range words {
			trimmed := strings.Trim(word, ".,;:!?\"'()")
			if trimmed == "" || !startsUpper(trimmed) {
				flush()
				continue
			}
			if i == 0 && len(run) == 0 {
				if _, stop := stopwords[strings.ToLower(trimmed)]; stop {
					continue
				}
			}
			run = append(run, trimmed)
			// Punctuation ends the phrase even mid-sentence.
			if strings.IndexAny(word, ",;:") >= 0 {
				flush()
			}
		}
		flush()
	}
	return phrases
}

func startsUpper(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
