package queue

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// JobType selects the handler that processes a job
type JobType string

// AI task job types
const (
	TypeTextGeneration        JobType = "text-gen"
	TypeImageGeneration       JobType = "image-gen"
	TypeImageUnderstanding    JobType = "image-understand"
	TypeDocumentProcessing    JobType = "document-process"
	TypeSpreadsheetProcessing JobType = "excel-process"
)

// Notification job types
const (
	TypeTaskCompleted JobType = "task-completed"
	TypeTaskFailed    JobType = "task-failed"
	TypeWelcome       JobType = "welcome"
	TypePasswordReset JobType = "password-reset"
)

// TaskTypes is the closed set of AI task job types.
var TaskTypes = []JobType{
	TypeTextGeneration,
	TypeImageGeneration,
	TypeImageUnderstanding,
	TypeDocumentProcessing,
	TypeSpreadsheetProcessing,
}

// NotificationTypes is the closed set of notification job types.
var NotificationTypes = []JobType{
	TypeTaskCompleted,
	TypeTaskFailed,
	TypeWelcome,
	TypePasswordReset,
}

// MaxPriority is the largest accepted priority value.
const MaxPriority = 1<<20 - 1

// DefaultPriority ranks lightweight jobs ahead of heavyweight ones.
func DefaultPriority(t JobType) int {
	switch t {
	case TypePasswordReset:
		return 0
	case TypeTextGeneration, TypeTaskCompleted, TypeTaskFailed:
		return 1
	case TypeImageUnderstanding, TypeWelcome:
		return 2
	case TypeDocumentProcessing, TypeSpreadsheetProcessing:
		return 3
	case TypeImageGeneration:
		return 5
	default:
		return 10
	}
}

// Payload is the typed body of a job. The set of implementations is closed:
// one struct per JobType, all declared in this file.
type Payload interface {
	JobType() JobType
	sealed()
}

// TaskPayload is implemented by AI task payloads, which carry the user the
// task was submitted for.
type TaskPayload interface {
	Payload
	Owner() Requester
}

// Requester identifies the user on whose behalf a task runs.
type Requester struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
}

// TextGeneration asks the model to complete a prompt.
type TextGeneration struct {
	Requester Requester `json:"requester"`
	Prompt    string    `json:"prompt" validate:"required"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"maxTokens,omitempty" validate:"gte=0"`
}

// ImageGeneration asks the model to render images from a prompt.
type ImageGeneration struct {
	Requester   Requester `json:"requester"`
	Prompt      string    `json:"prompt" validate:"required"`
	Count       int       `json:"count,omitempty" validate:"gte=0,lte=4"`
	AspectRatio string    `json:"aspectRatio,omitempty"`
}

// ImageUnderstanding asks the model a question about an image.
type ImageUnderstanding struct {
	Requester Requester `json:"requester"`
	ImageURL  string    `json:"imageUrl" validate:"required,url"`
	MIMEType  string    `json:"mimeType,omitempty"`
	Question  string    `json:"question,omitempty"`
}

// DocumentProcessing asks the model to process a document (summary,
// extraction, translation) according to an instruction.
type DocumentProcessing struct {
	Requester   Requester `json:"requester"`
	DocumentURL string    `json:"documentUrl" validate:"required,url"`
	MIMEType    string    `json:"mimeType,omitempty"`
	Instruction string    `json:"instruction" validate:"required"`
}

// SpreadsheetProcessing asks the model to analyse a spreadsheet.
type SpreadsheetProcessing struct {
	Requester   Requester `json:"requester"`
	FileURL     string    `json:"fileUrl" validate:"required,url"`
	MIMEType    string    `json:"mimeType,omitempty"`
	Instruction string    `json:"instruction" validate:"required"`
}

// TaskCompleted notifies a user that one of their tasks finished.
type TaskCompleted struct {
	Email    string  `json:"email" validate:"required,email"`
	TaskID   string  `json:"taskId" validate:"required"`
	TaskType JobType `json:"taskType" validate:"required"`
	Summary  string  `json:"summary"`
}

// TaskFailed notifies a user that one of their tasks could not be completed.
type TaskFailed struct {
	Email    string  `json:"email" validate:"required,email"`
	TaskID   string  `json:"taskId" validate:"required"`
	TaskType JobType `json:"taskType" validate:"required"`
	Reason   string  `json:"reason"`
}

// Welcome greets a newly registered user.
type Welcome struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty"`
}

// PasswordReset delivers a password reset link.
type PasswordReset struct {
	Email    string `json:"email" validate:"required,email"`
	ResetURL string `json:"resetUrl" validate:"required,url"`
}

func (TextGeneration) JobType() JobType        { return TypeTextGeneration }
func (ImageGeneration) JobType() JobType       { return TypeImageGeneration }
func (ImageUnderstanding) JobType() JobType    { return TypeImageUnderstanding }
func (DocumentProcessing) JobType() JobType    { return TypeDocumentProcessing }
func (SpreadsheetProcessing) JobType() JobType { return TypeSpreadsheetProcessing }
func (TaskCompleted) JobType() JobType         { return TypeTaskCompleted }
func (TaskFailed) JobType() JobType            { return TypeTaskFailed }
func (Welcome) JobType() JobType               { return TypeWelcome }
func (PasswordReset) JobType() JobType         { return TypePasswordReset }

func (TextGeneration) sealed()        {}
func (ImageGeneration) sealed()       {}
func (ImageUnderstanding) sealed()    {}
func (DocumentProcessing) sealed()    {}
func (SpreadsheetProcessing) sealed() {}
func (TaskCompleted) sealed()         {}
func (TaskFailed) sealed()            {}
func (Welcome) sealed()               {}
func (PasswordReset) sealed()         {}

func (p TextGeneration) Owner() Requester        { return p.Requester }
func (p ImageGeneration) Owner() Requester       { return p.Requester }
func (p ImageUnderstanding) Owner() Requester    { return p.Requester }
func (p DocumentProcessing) Owner() Requester    { return p.Requester }
func (p SpreadsheetProcessing) Owner() Requester { return p.Requester }

var validate = validator.New()

// ValidatePayload checks the payload's field constraints.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.JobType(), err)
	}
	return nil
}

// DecodePayload decodes and validates the JSON payload of a job of type t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	switch t {
	case TypeTextGeneration:
		return decodeAs[TextGeneration](raw)
	case TypeImageGeneration:
		return decodeAs[ImageGeneration](raw)
	case TypeImageUnderstanding:
		return decodeAs[ImageUnderstanding](raw)
	case TypeDocumentProcessing:
		return decodeAs[DocumentProcessing](raw)
	case TypeSpreadsheetProcessing:
		return decodeAs[SpreadsheetProcessing](raw)
	case TypeTaskCompleted:
		return decodeAs[TaskCompleted](raw)
	case TypeTaskFailed:
		return decodeAs[TaskFailed](raw)
	case TypeWelcome:
		return decodeAs[Welcome](raw)
	case TypePasswordReset:
		return decodeAs[PasswordReset](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
}

func decodeAs[P Payload](raw []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.JobType(), err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}
