package voice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/patientflow/internal/interactions"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// Processor finishes a call: transcription, summary, call-log completion
// and closure of the call session.
type Processor struct {
	calls       *CallStore
	transcriber Transcriber
	summarizer  Summarizer
	callLog     CallLogger
	logger      *logging.Logger
	now         func() time.Time
}

func NewProcessor(calls *CallStore, transcriber Transcriber, summarizer Summarizer, callLog CallLogger, logger *logging.Logger) *Processor {
	if summarizer == nil {
		summarizer = CannedSummarizer{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		calls:       calls,
		transcriber: transcriber,
		summarizer:  summarizer,
		callLog:     callLog,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one job. Transcription and summary failures degrade to
// the in-call transcript and a canned summary; only call-log errors are
// returned so the job is retried.
func (p *Processor) Process(ctx context.Context, job Job) error {
	ctx, span := tracer.Start(ctx, "voice.postcall")
	defer span.End()

	sess, err := p.calls.Get(ctx, job.CallSID)
	if err != nil && !errors.Is(err, ErrUnknownCall) {
		return err
	}

	var transcript string
	if p.transcriber != nil {
		transcript, err = p.transcriber.Transcribe(ctx, job.Recording)
		if err != nil {
			p.logger.Warn("call transcription unavailable", "call_sid", job.CallSID, "error", err)
		}
	}
	if strings.TrimSpace(transcript) == "" && sess != nil {
		transcript = renderTranscript(sess.Transcript)
	}

	summary, err := p.summarizer.Summarize(ctx, transcript)
	if err != nil {
		p.logger.Warn("call summary unavailable", "call_sid", job.CallSID, "error", err)
		summary, _ = CannedSummarizer{}.Summarize(ctx, transcript)
	}

	completion := interactions.CallCompletion{
		Status:          "completed",
		EndedAt:         p.now(),
		DurationSeconds: job.Recording.DurationSeconds,
		RecordingURL:    job.Recording.URL,
		Transcript:      transcript,
		Summary:         summary,
	}
	if sess != nil {
		completion.PatientID = sess.PatientID
		completion.Phases = sess.phaseNames()
	}
	if p.callLog != nil {
		if err := p.callLog.CompleteCall(ctx, job.CallSID, completion); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if sess != nil {
		if err := p.calls.Delete(ctx, job.CallSID); err != nil {
			p.logger.Warn("call session close failed", "call_sid", job.CallSID, "error", err)
		}
	}
	p.logger.Info("post-call processing complete", "call_sid", job.CallSID, "org_id", job.OrganizationID,
		"transcript_chars", len(transcript))
	return nil
}

func renderTranscript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
)

// Worker consumes post-call jobs from the queue.
type Worker struct {
	processor *Processor
	queue     Queue
	logger    *logging.Logger
	cfg       workerConfig
	wg        sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

type WorkerOption func(*workerConfig)

func WithWorkerCount(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait, capped at the SQS maximum.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(c *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		c.receiveWaitSecs = seconds
	}
}

func WithReceiveBatchSize(size int) WorkerOption {
	return func(c *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		c.receiveBatchSize = size
	}
}

func NewWorker(processor *Processor, queue Queue, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("voice: processor cannot be nil")
	}
	if queue == nil {
		panic("voice: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{workers: defaultWorkerCount, receiveWaitSecs: defaultWaitSeconds, receiveBatchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{processor: processor, queue: queue, logger: logger, cfg: cfg}
}

// Start launches the consumer goroutines; they stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("post-call worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Debug("post-call worker stopping", "worker_id", workerID)
			return
		}
		msgs, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("failed to receive post-call jobs", "error", err, "worker_id", workerID)
			if sleepContext(ctx, backoff) != nil {
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queueMessage) {
	var job Job
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		w.logger.Error("failed to decode post-call job", "error", err, "msg_id", msg.ID)
		w.delete(msg)
		return
	}
	if err := w.processor.Process(ctx, job); err != nil {
		// Left undeleted so the queue redelivers it.
		w.logger.Error("post-call job failed", "error", err, "job_id", job.ID, "call_sid", job.CallSID)
		return
	}
	w.delete(msg)
}

func (w *Worker) delete(msg queueMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete post-call job", "error", err, "msg_id", msg.ID)
	}
}
