package progress

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

const mongoCollection = "progress"

type MongoConfig struct {
	DB *mongo.Database
}

// Mongo stores one document per session. Answers are set by dotted path so concurrent
// writers only ever add to the answers sub-document.
type Mongo struct {
	col *mongo.Collection
}

func NewMongo(c MongoConfig) *Mongo {
	return &Mongo{col: c.DB.Collection(mongoCollection)}
}

func (m *Mongo) Get(ctx context.Context, key Key) (*domain.Record, error) {
	var rec domain.Record
	err := m.col.FindOne(ctx, bson.M{"_id": key.SessionID, "user_id": key.UserID}).Decode(&rec)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFound("progress not found: user=%s session=%s", key.UserID, key.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find progress: %w", err)
	}

	if rec.AnswersMap == nil {
		rec.AnswersMap = make(map[string]int)
	}

	return &rec, nil
}

func (m *Mongo) Merge(ctx context.Context, key Key, rec domain.Record) error {
	update, err := mergeUpdate(key, rec)
	if err != nil {
		return err
	}

	_, err = m.col.UpdateOne(ctx,
		bson.M{"_id": key.SessionID},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}

	return nil
}

// mergeUpdate builds the upsert document: answers are set one dotted path at a time and
// completed is only ever set to true.
func mergeUpdate(key Key, rec domain.Record) (bson.M, error) {
	set := bson.M{
		"user_id":                 key.UserID,
		"catalog_id":              rec.CatalogID,
		"mode":                    string(rec.Mode),
		"bookmarked_question_ids": rec.BookmarkedQuestionIDs,
		"current_question_index":  rec.CurrentQuestionIndex,
		"time_remaining":          rec.TimeRemaining,
		"total_questions":         rec.TotalQuestions,
		"started_at":              rec.StartedAt,
		"last_updated":            rec.LastUpdated,
	}

	for id, o := range rec.AnswersMap {
		if id == "" || strings.ContainsAny(id, ".$") {
			return nil, errors.InvalidArgument("question id %q cannot be stored as a field name", id)
		}
		set["answers."+id] = o
	}

	update := bson.M{"$set": set}
	if rec.Completed {
		set["completed"] = true
	} else {
		update["$setOnInsert"] = bson.M{"completed": false}
	}

	return update, nil
}

func (m *Mongo) Latest(ctx context.Context, userID, catalogID string) (string, error) {
	var doc struct {
		ID string `bson:"_id"`
	}

	err := m.col.FindOne(ctx,
		bson.M{"user_id": userID, "catalog_id": catalogID, "completed": false},
		options.FindOne().
			SetSort(bson.D{{Key: "last_updated", Value: -1}}).
			SetProjection(bson.M{"_id": 1}),
	).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return "", errors.NotFound("no unfinished session: user=%s catalog=%s", userID, catalogID)
	}
	if err != nil {
		return "", fmt.Errorf("find latest progress: %w", err)
	}

	return doc.ID, nil
}
