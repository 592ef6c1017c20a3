package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

func TestMergeUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	key := Key{UserID: "u1", SessionID: "s1"}
	base := domain.Record{
		SessionID:             "s1",
		UserID:                "u1",
		CatalogID:             "ppl",
		Mode:                  domain.ModeExam,
		AnswersMap:            map[string]int{"A": 1, "B": 0},
		BookmarkedQuestionIDs: []string{"B"},
		CurrentQuestionIndex:  1,
		TimeRemaining:         300,
		TotalQuestions:        2,
		StartedAt:             now,
		LastUpdated:           now,
	}

	tests := map[string]struct {
		arrange func() domain.Record
		assert  func(t *testing.T, update bson.M, err error)
	}{
		"answers are set by dotted path": {
			arrange: func() domain.Record { return base },
			assert: func(t *testing.T, update bson.M, err error) {
				require.NoError(t, err)
				set := update["$set"].(bson.M)
				assert.Equal(t, 1, set["answers.A"])
				assert.Equal(t, 0, set["answers.B"])
				assert.NotContains(t, set, "answers", "the answers sub-document is never replaced")
				assert.Equal(t, "exam", set["mode"])
				assert.Equal(t, []string{"B"}, set["bookmarked_question_ids"])
				assert.Equal(t, 300, set["time_remaining"])
			},
		},
		"unfinished sessions only default completed on insert": {
			arrange: func() domain.Record { return base },
			assert: func(t *testing.T, update bson.M, err error) {
				require.NoError(t, err)
				assert.NotContains(t, update["$set"].(bson.M), "completed")
				assert.Equal(t, bson.M{"completed": false}, update["$setOnInsert"])
			},
		},
		"completion sets completed and never inserts false": {
			arrange: func() domain.Record {
				rec := base
				rec.Completed = true
				return rec
			},
			assert: func(t *testing.T, update bson.M, err error) {
				require.NoError(t, err)
				assert.Equal(t, true, update["$set"].(bson.M)["completed"])
				assert.NotContains(t, update, "$setOnInsert")
			},
		},
		"ids that are not valid field names are rejected": {
			arrange: func() domain.Record {
				rec := base
				rec.AnswersMap = map[string]int{"met.1": 0}
				return rec
			},
			assert: func(t *testing.T, _ bson.M, err error) {
				assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			update, err := mergeUpdate(key, tc.arrange())
			tc.assert(t, update, err)
		})
	}
}
