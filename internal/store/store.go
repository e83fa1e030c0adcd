// Package store defines the persistent records of the question bank and the
// row-store operations the pipeline consumes. Implementations live in the
// sqlstore and firestore subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLimitReached is returned by a bounded increment that would exceed its bound.
	ErrLimitReached = errors.New("limit reached")

	// ErrConflict is returned when a compare-and-set precondition no longer holds.
	ErrConflict = errors.New("conflict")
)

// UploadState is the lifecycle tag of an Upload.
type UploadState string

const (
	// StateUploading is set while pages are still being rendered; the walker ignores it.
	StateUploading  UploadState = "uploading"
	StateProcessing UploadState = "processing"
	StateProcessed  UploadState = "processed"
)

// Competition is one contest event that owns uploads and questions.
type Competition struct {
	ID        string    `json:"id"`
	Year      int       `json:"year"`
	Division  string    `json:"division"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Upload is one submitted packet: an ordered list of page blob ids and a cursor.
type Upload struct {
	ID            string      `json:"id"`
	CompetitionID string      `json:"competition_id"`
	Filename      string      `json:"filename,omitempty"`
	Pages         []string    `json:"pages"`
	NextPage      int         `json:"next_page"`
	State         UploadState `json:"state"`
	SkippedPages  []string    `json:"skipped_pages,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Done reports whether the cursor has reached the end of the page list.
func (u *Upload) Done() bool {
	return u.NextPage >= len(u.Pages)
}

// QuestionKey is the natural key of a question row.
type QuestionKey struct {
	CompetitionID  string
	Test           string
	QuestionNumber int
}

// Question is one question/answer row.
type Question struct {
	ID              string    `json:"id"`
	CompetitionID   string    `json:"competition_id"`
	Test            string    `json:"test"`
	QuestionNumber  int       `json:"question_number"`
	QuestionContent *string   `json:"question_content,omitempty"`
	QuestionPageID  *string   `json:"question_page_id,omitempty"`
	AnswerContent   *string   `json:"answer_content,omitempty"`
	AnswerPageID    *string   `json:"answer_page_id,omitempty"`
	IncludesDiagram bool      `json:"includes_diagram"`
	CropX           *float64  `json:"crop_x,omitempty"`
	CropY           *float64  `json:"crop_y,omitempty"`
	CropWidth       *float64  `json:"crop_width,omitempty"`
	CropHeight      *float64  `json:"crop_height,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Key returns the natural key of q.
func (q *Question) Key() QuestionKey {
	return QuestionKey{CompetitionID: q.CompetitionID, Test: q.Test, QuestionNumber: q.QuestionNumber}
}

// QuestionPatch lists the fields to write on upsert. Nil fields are left untouched
// on an existing row.
type QuestionPatch struct {
	QuestionContent *string
	QuestionPageID  *string
	AnswerContent   *string
	AnswerPageID    *string
	IncludesDiagram *bool
}

// Apply merges the patch into q.
func (p QuestionPatch) Apply(q *Question) {
	if p.QuestionContent != nil {
		q.QuestionContent = p.QuestionContent
	}
	if p.QuestionPageID != nil {
		q.QuestionPageID = p.QuestionPageID
	}
	if p.AnswerContent != nil {
		q.AnswerContent = p.AnswerContent
	}
	if p.AnswerPageID != nil {
		q.AnswerPageID = p.AnswerPageID
	}
	if p.IncludesDiagram != nil {
		q.IncludesDiagram = *p.IncludesDiagram
	}
}

// UsageRow counts AI invocations for one model on one UTC date.
type UsageRow struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Date  string `json:"date"` // YYYY-MM-DD
	Uses  int    `json:"uses"`
}

// AICall is one recorded model invocation.
type AICall struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     int       `json:"latency_ms"`
	CompetitionID string    `json:"competition_id,omitempty"`
	UploadID      string    `json:"upload_id,omitempty"`
	PageIDs       []string  `json:"page_ids"`
	PromptKey     string    `json:"prompt_key"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Manual        bool      `json:"manual"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	Outcome       string    `json:"outcome"`
	Response      string    `json:"response,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// AICallFilter narrows ListAICalls.
type AICallFilter struct {
	UploadID string
	PageID   string
	Outcome  string
	Limit    int
}

// Store is the row store.
type Store interface {
	CreateCompetition(ctx context.Context, c *Competition) error
	GetCompetition(ctx context.Context, id string) (*Competition, error)
	ListCompetitions(ctx context.Context) ([]*Competition, error)

	CreateUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
	ListUploads(ctx context.Context, state UploadState) ([]*Upload, error)
	// SetUploadPages replaces the page list and state of an upload during ingestion.
	SetUploadPages(ctx context.Context, id string, pages []string, state UploadState) error
	// OldestProcessingUpload returns the oldest upload in the processing state, or ErrNotFound.
	OldestProcessingUpload(ctx context.Context) (*Upload, error)
	HasProcessingUpload(ctx context.Context) (bool, error)
	// AdvanceUpload moves the cursor from `from` to from+1 and marks the upload
	// processed when the end is reached. ErrConflict if the cursor is no longer `from`.
	AdvanceUpload(ctx context.Context, id string, from int) (*Upload, error)
	// SkipPage records pageID as dead-lettered and advances the cursor like AdvanceUpload.
	SkipPage(ctx context.Context, id string, from int, pageID string) (*Upload, error)
	MarkUploadProcessed(ctx context.Context, id string) error

	FindQuestion(ctx context.Context, key QuestionKey) (*Question, error)
	// UpsertQuestion atomically creates the row for key or merges patch into the
	// existing one. created reports which branch was taken.
	UpsertQuestion(ctx context.Context, key QuestionKey, patch QuestionPatch) (q *Question, created bool, err error)
	ListQuestions(ctx context.Context, competitionID, test string) ([]*Question, error)

	FindUsage(ctx context.Context, model, date string) (*UsageRow, error)
	CreateUsage(ctx context.Context, model, date string) (*UsageRow, error)
	// IncrementUsage adds delta to the row's count. When max > 0 and the result
	// would exceed max, the row is unchanged and ErrLimitReached is returned.
	IncrementUsage(ctx context.Context, id string, delta, max int) (*UsageRow, error)

	RecordAICall(ctx context.Context, call *AICall) error
	ListAICalls(ctx context.Context, filter AICallFilter) ([]*AICall, error)

	Ping(ctx context.Context) error
	Close() error
}

// Today returns the current UTC date in the usage-row format.
func Today(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
