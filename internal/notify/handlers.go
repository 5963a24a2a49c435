package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/phrazzld/genqueue/internal/queue"
)

// Delivery is the stored result of a notification job.
type Delivery struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// Handlers holds the handlers of the notification queue.
type Handlers struct {
	mailer  Mailer
	product string
}

// NewHandlers creates the notification handlers. product names the service
// in subjects and signatures.
func NewHandlers(mailer Mailer, product string) *Handlers {
	if product == "" {
		product = "genqueue"
	}
	return &Handlers{mailer: mailer, product: product}
}

// Register binds every notification type to its handler.
func (h *Handlers) Register(r *queue.Registry) {
	queue.Register(r, h.TaskCompleted)
	queue.Register(r, h.TaskFailed)
	queue.Register(r, h.Welcome)
	queue.Register(r, h.PasswordReset)
}

// TaskCompleted handles task-completed jobs.
func (h *Handlers) TaskCompleted(ctx context.Context, p queue.TaskCompleted) (any, error) {
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("[%s] Your %s task is ready", h.product, taskLabel(p.TaskType)),
		Body: h.body(
			fmt.Sprintf("Your %s task %s has completed.", taskLabel(p.TaskType), p.TaskID),
			p.Summary,
		),
	})
}

// TaskFailed handles task-failed jobs.
func (h *Handlers) TaskFailed(ctx context.Context, p queue.TaskFailed) (any, error) {
	reason := p.Reason
	if reason == "" {
		reason = "No further details are available."
	}
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("[%s] Your %s task could not be completed", h.product, taskLabel(p.TaskType)),
		Body: h.body(
			fmt.Sprintf("Your %s task %s failed after all retries.", taskLabel(p.TaskType), p.TaskID),
			"Reason: "+reason,
		),
	})
}

// Welcome handles welcome jobs.
func (h *Handlers) Welcome(ctx context.Context, p queue.Welcome) (any, error) {
	greeting := "Hello,"
	if p.Name != "" {
		greeting = fmt.Sprintf("Hello %s,", p.Name)
	}
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("Welcome to %s", h.product),
		Body: h.body(
			greeting,
			fmt.Sprintf("Your %s account is ready. Submitted tasks run in the background and you will be emailed when they finish.", h.product),
		),
	})
}

// PasswordReset handles password-reset jobs.
func (h *Handlers) PasswordReset(ctx context.Context, p queue.PasswordReset) (any, error) {
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("[%s] Reset your password", h.product),
		Body: h.body(
			"We received a request to reset your password. Follow the link below to choose a new one:",
			p.ResetURL,
			"If you did not request this, you can ignore this email.",
		),
	})
}

func (h *Handlers) send(ctx context.Context, email Email) (any, error) {
	if err := h.mailer.Send(ctx, email); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return Delivery{To: email.To, Subject: email.Subject}, nil
}

// body joins paragraphs and appends the signature.
func (h *Handlers) body(paragraphs ...string) string {
	var b strings.Builder
	for _, p := range paragraphs {
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("-- \n")
	b.WriteString(h.product)
	b.WriteString("\n")
	return b.String()
}

var taskLabels = map[queue.JobType]string{
	queue.TypeTextGeneration:        "text generation",
	queue.TypeImageGeneration:       "image generation",
	queue.TypeImageUnderstanding:    "image analysis",
	queue.TypeDocumentProcessing:    "document processing",
	queue.TypeSpreadsheetProcessing: "spreadsheet analysis",
}

func taskLabel(t queue.JobType) string {
	if l, ok := taskLabels[t]; ok {
		return l
	}
	return string(t)
}
