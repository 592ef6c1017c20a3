package question

import (
	"sync"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/shuffle"
)

const minOptions = 2

// Validate rejects the whole catalog if any question is malformed.
// Dropping bad questions silently would make the counts shown differ from the counts scored.
func Validate(qs []domain.Question) error {
	if len(qs) == 0 {
		return errors.MalformedQuestion("catalog has no questions")
	}

	ids := make(map[string]struct{}, len(qs))
	for i, q := range qs {
		if q.ID == "" {
			return errors.MalformedQuestion("question #%d has no id", i)
		}

		if _, ok := ids[q.ID]; ok {
			return errors.MalformedQuestion("question %s: duplicate id", q.ID)
		}
		ids[q.ID] = struct{}{}

		if len(q.Options) < minOptions {
			return errors.MalformedQuestion("question %s: has %d options, needs at least %d", q.ID, len(q.Options), minOptions)
		}

		if q.CorrectOptionIndex == domain.NoCorrectOption {
			return errors.MalformedQuestion("question %s: missing correct option", q.ID)
		}

		if q.CorrectOptionIndex < 0 || q.CorrectOptionIndex >= len(q.Options) {
			return errors.MalformedQuestion("question %s: correct option %d out of range [0, %d)", q.ID, q.CorrectOptionIndex, len(q.Options))
		}

		texts := make(map[string]struct{}, len(q.Options))
		for j, o := range q.Options {
			if o.IsZero() {
				return errors.MalformedQuestion("question %s: option %d is empty", q.ID, j)
			}
			if _, ok := texts[o.Key()]; ok {
				return errors.MalformedQuestion("question %s: option %d duplicates another option", q.ID, j)
			}
			texts[o.Key()] = struct{}{}
		}
	}

	return nil
}

// Filter keeps the questions whose ids are listed, in catalog order.
func Filter(qs []domain.Question, ids []string) ([]domain.Question, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	out := make([]domain.Question, 0, len(ids))
	for _, q := range qs {
		if _, ok := want[q.ID]; ok {
			out = append(out, q)
		}
	}

	if len(out) == 0 {
		return nil, errors.InvalidArgument("none of the %d requested questions are in the catalog", len(ids))
	}

	return out, nil
}

// Processor produces the per-session presentation of a catalog.
type Processor struct {
	mu   sync.Mutex
	rand shuffle.Rand
}

func NewProcessor(r shuffle.Rand) *Processor {
	if r == nil {
		r = shuffle.NewRand()
	}
	return &Processor{rand: r}
}

// Process validates qs, shuffles their order and then the options of each question.
func (p *Processor) Process(qs []domain.Question) ([]domain.ShuffledQuestion, error) {
	if err := Validate(qs); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := shuffle.Shuffle(p.rand, qs)
	out := make([]domain.ShuffledQuestion, 0, len(ordered))
	for _, q := range ordered {
		out = append(out, p.shuffleOptions(q))
	}

	return out, nil
}

func (p *Processor) shuffleOptions(q domain.Question) domain.ShuffledQuestion {
	pairs := shuffle.ShuffleIndexed(p.rand, q.Options)

	sq := domain.ShuffledQuestion{
		Question:       q,
		DisplayOptions: make([]domain.LocalizedText, len(pairs)),
		OptionMapping:  make([]int, len(pairs)),
	}

	for d, pair := range pairs {
		sq.DisplayOptions[d] = pair.Value
		sq.OptionMapping[d] = pair.Index
		if pair.Index == q.CorrectOptionIndex {
			sq.DisplayCorrectIndex = d
		}
	}

	return sq
}
