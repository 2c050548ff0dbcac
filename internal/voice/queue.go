package voice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue carries post-call jobs; MemoryQueue and SQSQueue implement it.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Job is one finished call waiting for transcription and summary.
type Job struct {
	ID             string    `json:"id"`
	CallSID        string    `json:"callSid"`
	OrganizationID string    `json:"organizationId"`
	Recording      Recording `json:"recording"`
}

func encodeJob(job Job) (Job, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, "", fmt.Errorf("voice: failed to encode post-call job: %w", err)
	}
	return job, string(body), nil
}

// Publisher enqueues post-call jobs.
type Publisher struct {
	queue Queue
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("voice: queue cannot be nil")
	}
	return &Publisher{queue: queue}
}

func (p *Publisher) Enqueue(ctx context.Context, job Job) error {
	_, body, err := encodeJob(job)
	if err != nil {
		return err
	}
	return p.queue.Send(ctx, body)
}
