package question_test

import (
	stderrors "errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/question"
	"github.com/victornm/aerotrain/internal/shuffle"
)

func TestProcessor_Process(t *testing.T) {
	qs := makeQuestions(12, 5)
	p := question.NewProcessor(shuffle.NewRand())

	for round := 0; round < 50; round++ {
		out, err := p.Process(qs)
		require.NoError(t, err)
		require.Len(t, out, len(qs))

		ids := make([]string, 0, len(out))
		for _, sq := range out {
			ids = append(ids, sq.ID)

			mapping := append([]int(nil), sq.OptionMapping...)
			sort.Ints(mapping)
			assert.Equal(t, []int{0, 1, 2, 3, 4}, mapping, "mapping must be a permutation of [0, n)")

			assert.Equal(t, sq.CorrectOptionIndex, sq.OptionMapping[sq.DisplayCorrectIndex], "correct answer must be recoverable")

			for d, o := range sq.OptionMapping {
				assert.Equal(t, sq.Options[o], sq.DisplayOptions[d])
			}
		}

		assert.ElementsMatch(t, questionIDs(qs), ids)
	}
}

func TestProcessor_ProcessDoesNotMutateCatalog(t *testing.T) {
	qs := makeQuestions(4, 4)
	before := fmt.Sprint(qs)

	_, err := question.NewProcessor(shuffle.NewSeeded(3)).Process(qs)
	require.NoError(t, err)

	assert.Equal(t, before, fmt.Sprint(qs))
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		arrange func() []domain.Question
		wantErr bool
	}{
		"valid catalog": {
			arrange: func() []domain.Question { return makeQuestions(3, 4) },
		},
		"empty catalog": {
			arrange: func() []domain.Question { return nil },
			wantErr: true,
		},
		"single option": {
			arrange: func() []domain.Question {
				qs := makeQuestions(3, 4)
				qs[1].Options = qs[1].Options[:1]
				qs[1].CorrectOptionIndex = 0
				return qs
			},
			wantErr: true,
		},
		"missing correct index": {
			arrange: func() []domain.Question {
				qs := makeQuestions(2, 3)
				qs[0].CorrectOptionIndex = domain.NoCorrectOption
				return qs
			},
			wantErr: true,
		},
		"correct index out of range": {
			arrange: func() []domain.Question {
				qs := makeQuestions(2, 3)
				qs[1].CorrectOptionIndex = 3
				return qs
			},
			wantErr: true,
		},
		"duplicate option text": {
			arrange: func() []domain.Question {
				qs := makeQuestions(2, 3)
				qs[0].Options[2] = qs[0].Options[0]
				return qs
			},
			wantErr: true,
		},
		"duplicate question id": {
			arrange: func() []domain.Question {
				qs := makeQuestions(2, 3)
				qs[1].ID = qs[0].ID
				return qs
			},
			wantErr: true,
		},
		"empty id": {
			arrange: func() []domain.Question {
				qs := makeQuestions(2, 3)
				qs[1].ID = ""
				return qs
			},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := question.Validate(tt.arrange())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrMalformedQuestion), "got %v", err)
		})
	}
}

func TestProcessor_RejectsMalformedCatalog(t *testing.T) {
	qs := makeQuestions(3, 3)
	qs[2].Options = qs[2].Options[:1]
	qs[2].CorrectOptionIndex = 0

	out, err := question.NewProcessor(nil).Process(qs)
	assert.Nil(t, out)
	assert.True(t, stderrors.Is(err, errors.ErrMalformedQuestion))
}

func TestFilter_RetryIncorrect(t *testing.T) {
	qs := makeQuestions(10, 3)

	filtered, err := question.Filter(qs, []string{"id3", "id7"})
	require.NoError(t, err)

	out, err := question.NewProcessor(nil).Process(filtered)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"id3", "id7"}, []string{out[0].ID, out[1].ID})
	assert.Len(t, out, 2)

	_, err = question.Filter(qs, []string{"nope"})
	assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
}

func makeQuestions(n, options int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		q := domain.Question{
			ID:                 fmt.Sprintf("id%d", i),
			Topic:              domain.Plain(fmt.Sprintf("topic%d", i%3)),
			Text:               domain.Plain(fmt.Sprintf("question %d", i)),
			CorrectOptionIndex: i % options,
		}
		for j := 0; j < options; j++ {
			q.Options = append(q.Options, domain.Plain(fmt.Sprintf("q%d option %d", i, j)))
		}
		qs = append(qs, q)
	}
	return qs
}

func questionIDs(qs []domain.Question) []string {
	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	return ids
}
