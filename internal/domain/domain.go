package domain

import (
	"fmt"
	"time"
)

// NoCorrectOption marks a question whose catalog entry has no correct answer index.
const NoCorrectOption = -1

// Question is a catalog entry. Indexes into Options are in the original space.
type Question struct {
	ID                 string          `json:"id"`
	Topic              LocalizedText   `json:"topic"`
	Text               LocalizedText   `json:"text"`
	Options            []LocalizedText `json:"options"`
	CorrectOptionIndex int             `json:"correctOptionIndex"`
	Explanation        LocalizedText   `json:"explanation,omitempty"`
	ImageRef           string          `json:"imageRef,omitempty"`
}

// ShuffledQuestion is a question as presented in one session.
type ShuffledQuestion struct {
	Question

	DisplayOptions []LocalizedText
	// OptionMapping[displayIndex] = originalIndex.
	OptionMapping       []int
	DisplayCorrectIndex int
}

// OriginalIndex maps a display-space option index to the original space.
func (q ShuffledQuestion) OriginalIndex(display int) (int, bool) {
	if display < 0 || display >= len(q.OptionMapping) {
		return 0, false
	}
	return q.OptionMapping[display], true
}

// DisplayIndex maps an original-space option index to this session's display space.
func (q ShuffledQuestion) DisplayIndex(original int) (int, bool) {
	for d, o := range q.OptionMapping {
		if o == original {
			return d, true
		}
	}
	return 0, false
}

type Mode string

const (
	ModePractice Mode = "practice"
	ModeExam     Mode = "exam"
	ModeReview   Mode = "review"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePractice, ModeExam, ModeReview:
		return m, nil
	case "":
		return ModePractice, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Record is the durable form of a session. It never holds display-space indexes:
// answers are keyed by question ID and valued in the original option space.
type Record struct {
	SessionID             string         `json:"sessionId" bson:"_id"`
	UserID                string         `json:"userId" bson:"user_id"`
	CatalogID             string         `json:"catalogId" bson:"catalog_id"`
	Mode                  Mode           `json:"mode" bson:"mode"`
	AnswersMap            map[string]int `json:"answersMap" bson:"answers"`
	BookmarkedQuestionIDs []string       `json:"bookmarkedQuestionIds" bson:"bookmarked_question_ids"`
	CurrentQuestionIndex  int            `json:"currentQuestionIndex" bson:"current_question_index"`
	TimeRemaining         int            `json:"timeRemaining" bson:"time_remaining"`
	TotalQuestions        int            `json:"totalQuestions" bson:"total_questions"`
	Completed             bool           `json:"completed" bson:"completed"`
	StartedAt             time.Time      `json:"startedAt" bson:"started_at"`
	LastUpdated           time.Time      `json:"lastUpdated" bson:"last_updated"`
}

// Results is the terminal artifact of a finished session.
type Results struct {
	SessionID            string        `json:"sessionId"`
	UserID               string        `json:"userId"`
	CatalogID            string        `json:"catalogId"`
	Mode                 Mode          `json:"mode"`
	TotalQuestions       int           `json:"totalQuestions"`
	CorrectCount         int           `json:"correctCount"`
	IncorrectCount       int           `json:"incorrectCount"`
	UnansweredCount      int           `json:"unansweredCount"`
	ScorePercent         int           `json:"scorePercent"`
	PassingThreshold     int           `json:"passingThreshold"`
	Passed               bool          `json:"passed"`
	Topics               []TopicResult `json:"topics"`
	IncorrectQuestionIDs []string      `json:"incorrectQuestionIds"`
	ElapsedSeconds       int64         `json:"elapsedSeconds"`
	TimedOut             bool          `json:"timedOut"`
	StartedAt            time.Time     `json:"startedAt"`
	CompletedAt          time.Time     `json:"completedAt"`
}

type TopicResult struct {
	Topic      string `json:"topic"`
	Correct    int    `json:"correct"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
}
