package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

// Notifier is told about tasks that just moved to Completed.
type Notifier interface {
	NotifyCompletion(ctx context.Context, task domain.Task) error
}

// NotificationError wraps a failed completion notification. It is never
// returned to the requester of the mutation.
type NotificationError struct {
	TaskID string
	Err    error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify completion of task %s: %v", e.TaskID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// CompletionSubject is the subject line of the completion email.
const CompletionSubject = "Task Completed Successfully!"

// Email is the message handed to the mailer.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

var completionTemplate = template.Must(template.New("completion").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #1a936f; text-align: center;">Task Completed!</h2>
  <div style="background: #f8f9fa; padding: 20px; border-radius: 10px; margin: 20px 0;">
    <h3 style="color: #333; margin-bottom: 10px;">{{.Title}}</h3>
    <p style="color: #666; margin-bottom: 10px;"><strong>Description:</strong> {{if .Description}}{{.Description}}{{else}}No description{{end}}</p>
    <p style="color: #666; margin-bottom: 0;"><strong>Completed on:</strong> {{.CompletedOn}}</p>
  </div>
  <p style="text-align: center; color: #888; font-size: 14px;">Congratulations on completing your task!</p>
</div>`))

// CompletionEmail renders the email sent to the owner of a completed task.
func CompletionEmail(task domain.Task, completedOn time.Time) (Email, error) {
	var buf bytes.Buffer
	err := completionTemplate.Execute(&buf, struct {
		Title       string
		Description string
		CompletedOn string
	}{task.Title, task.Description, completedOn.UTC().Format(time.RFC1123)})
	if err != nil {
		return Email{}, err
	}
	return Email{To: task.OwnerEmail, Subject: CompletionSubject, HTML: buf.String()}, nil
}

// QueueNotifier enqueues completion emails on an Azure storage queue that an
// external mailer drains.
type QueueNotifier struct {
	queue *azqueue.QueueClient
	now   func() time.Time
}

// NewQueueNotifier creates a notifier for the named queue.
func NewQueueNotifier(connStr, queueName string) (*QueueNotifier, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &QueueNotifier{queue: q, now: time.Now}, nil
}

func (n *QueueNotifier) NotifyCompletion(ctx context.Context, task domain.Task) error {
	mail, err := CompletionEmail(task, n.now())
	if err != nil {
		return &NotificationError{TaskID: task.ID, Err: err}
	}
	data, err := json.Marshal(mail)
	if err != nil {
		return &NotificationError{TaskID: task.ID, Err: err}
	}
	if _, err := n.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return &NotificationError{TaskID: task.ID, Err: err}
	}
	return nil
}

// LogNotifier only logs completions. Used when no mailer queue is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) NotifyCompletion(_ context.Context, task domain.Task) error {
	logger := n.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{"task": task.ID, "to": task.OwnerEmail}).Info("completion email skipped, no mailer configured")
	return nil
}
