package score

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/aerotrain/internal/domain"
)

const DefaultPassingThreshold = 70

var hundred = decimal.NewFromInt(100)

// Input is everything needed to score a finished session. Answers are in display space; a negative
// value means unanswered.
type Input struct {
	SessionID        string
	UserID           string
	CatalogID        string
	Mode             domain.Mode
	Questions        []domain.ShuffledQuestion
	Answers          []int
	PassingThreshold int
	// Languages is the preference order for topic labels.
	Languages  []string
	StartedAt  time.Time
	FinishedAt time.Time
	TimedOut   bool
}

// Compute scores a session. Unanswered questions count as incorrect.
func Compute(in Input) domain.Results {
	threshold := in.PassingThreshold
	if threshold <= 0 {
		threshold = DefaultPassingThreshold
	}

	r := domain.Results{
		SessionID:            in.SessionID,
		UserID:               in.UserID,
		CatalogID:            in.CatalogID,
		Mode:                 in.Mode,
		TotalQuestions:       len(in.Questions),
		PassingThreshold:     threshold,
		Topics:               []domain.TopicResult{},
		IncorrectQuestionIDs: []string{},
		TimedOut:             in.TimedOut,
		StartedAt:            in.StartedAt,
		CompletedAt:          in.FinishedAt,
	}

	if !in.StartedAt.IsZero() && in.FinishedAt.After(in.StartedAt) {
		r.ElapsedSeconds = int64(in.FinishedAt.Sub(in.StartedAt) / time.Second)
	}

	var lang string
	var fallbacks []string
	if len(in.Languages) > 0 {
		lang, fallbacks = in.Languages[0], in.Languages[1:]
	}

	topics := make(map[string]int)
	for i, q := range in.Questions {
		answered, correct := false, false
		if i < len(in.Answers) && in.Answers[i] >= 0 {
			if o, ok := q.OriginalIndex(in.Answers[i]); ok {
				answered = true
				correct = o == q.CorrectOptionIndex
			}
		}

		// topics are grouped by the label the user sees
		label := q.Topic.Resolve(lang, fallbacks...)
		t, ok := topics[label]
		if !ok {
			t = len(r.Topics)
			topics[label] = t
			r.Topics = append(r.Topics, domain.TopicResult{Topic: label})
		}
		r.Topics[t].Total++

		switch {
		case correct:
			r.CorrectCount++
			r.Topics[t].Correct++
		case !answered:
			r.UnansweredCount++
			r.IncorrectQuestionIDs = append(r.IncorrectQuestionIDs, q.ID)
		default:
			r.IncorrectQuestionIDs = append(r.IncorrectQuestionIDs, q.ID)
		}
	}

	r.IncorrectCount = r.TotalQuestions - r.CorrectCount
	r.ScorePercent = Percent(r.CorrectCount, r.TotalQuestions)
	r.Passed = r.ScorePercent >= threshold

	for i := range r.Topics {
		r.Topics[i].Percentage = Percent(r.Topics[i].Correct, r.Topics[i].Total)
	}

	return r
}

// Percent returns part/total*100 rounded half up. A zero total is 0%.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}

	return int(decimal.NewFromInt(int64(part)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).
		Round(0).
		IntPart())
}
