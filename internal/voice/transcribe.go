package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	transcribetypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/google/uuid"

	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// Recording identifies a finished call recording.
type Recording struct {
	CallSID         string `json:"callSid"`
	SID             string `json:"recordingSid"`
	URL             string `json:"recordingUrl"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Transcriber turns a call recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, rec Recording) (string, error)
}

// TranscribeAPI is the subset of the AWS Transcribe client in use.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, params *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, params *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
}

// RecordingFetcher downloads recording audio from the telephony provider.
type RecordingFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPRecordingFetcher downloads recordings with the provider's basic auth.
type HTTPRecordingFetcher struct {
	client   *http.Client
	username string
	password string
}

func NewHTTPRecordingFetcher(username, password string) *HTTPRecordingFetcher {
	return &HTTPRecordingFetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		username: username,
		password: password,
	}
}

func (f *HTTPRecordingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("voice: build recording request: %w", err)
	}
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice: download recording: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// AWSTranscriber stages the recording in S3, runs an AWS Transcribe batch
// job and reads the transcript JSON back from the same bucket.
type AWSTranscriber struct {
	api          TranscribeAPI
	objects      *ObjectStore
	fetcher      RecordingFetcher
	language     transcribetypes.LanguageCode
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewAWSTranscriber(api TranscribeAPI, objects *ObjectStore, fetcher RecordingFetcher) *AWSTranscriber {
	return &AWSTranscriber{
		api:          api,
		objects:      objects,
		fetcher:      fetcher,
		language:     transcribetypes.LanguageCodeEnUs,
		pollInterval: 3 * time.Second,
		maxWait:      5 * time.Minute,
	}
}

func (t *AWSTranscriber) Transcribe(ctx context.Context, rec Recording) (string, error) {
	if strings.TrimSpace(rec.URL) == "" {
		return "", fmt.Errorf("voice: recording %s has no url", rec.SID)
	}
	audio, err := t.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		return "", err
	}
	audioKey := "recordings/" + rec.SID + ".wav"
	if err := t.objects.Put(ctx, audioKey, audio, "audio/wav"); err != nil {
		return "", err
	}

	job := "call-" + rec.SID + "-" + uuid.NewString()[:8]
	outputKey := "transcripts/" + job + ".json"
	_, err = t.api.StartTranscriptionJob(ctx, &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(job),
		LanguageCode:         t.language,
		MediaFormat:          transcribetypes.MediaFormatWav,
		Media:                &transcribetypes.Media{MediaFileUri: aws.String(t.objects.URI(audioKey))},
		OutputBucketName:     aws.String(t.objects.Bucket()),
		OutputKey:            aws.String(outputKey),
	})
	if err != nil {
		return "", fmt.Errorf("voice: start transcription job: %w", err)
	}
	if err := t.wait(ctx, job); err != nil {
		return "", err
	}

	raw, err := t.objects.Get(ctx, outputKey)
	if err != nil {
		return "", err
	}
	return parseTranscript(raw)
}

func (t *AWSTranscriber) wait(ctx context.Context, job string) error {
	ctx, cancel := context.WithTimeout(ctx, t.maxWait)
	defer cancel()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		out, err := t.api.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{TranscriptionJobName: aws.String(job)})
		if err != nil {
			return fmt.Errorf("voice: poll transcription job: %w", err)
		}
		if out.TranscriptionJob != nil {
			switch out.TranscriptionJob.TranscriptionJobStatus {
			case transcribetypes.TranscriptionJobStatusCompleted:
				return nil
			case transcribetypes.TranscriptionJobStatusFailed:
				return fmt.Errorf("voice: transcription job %s failed: %s", job, aws.ToString(out.TranscriptionJob.FailureReason))
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("voice: transcription job %s: %w", job, ctx.Err())
		case <-ticker.C:
		}
	}
}

type transcriptDocument struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
	} `json:"results"`
}

func parseTranscript(raw []byte) (string, error) {
	var doc transcriptDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("voice: decode transcript: %w", err)
	}
	parts := make([]string, 0, len(doc.Results.Transcripts))
	for _, tr := range doc.Results.Transcripts {
		if s := strings.TrimSpace(tr.Transcript); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}

// RetryingTranscriber retries a Transcriber with linear backoff: attempt n
// waits n seconds before attempt n+1.
type RetryingTranscriber struct {
	next     Transcriber
	attempts int
	step     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *metrics.VoiceMetrics
	logger   *logging.Logger
}

const defaultTranscribeAttempts = 3

func NewRetryingTranscriber(next Transcriber, m *metrics.VoiceMetrics, logger *logging.Logger) *RetryingTranscriber {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryingTranscriber{
		next:     next,
		attempts: defaultTranscribeAttempts,
		step:     time.Second,
		sleep:    sleepContext,
		metrics:  m,
		logger:   logger,
	}
}

func (r *RetryingTranscriber) Transcribe(ctx context.Context, rec Recording) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		text, err := r.next.Transcribe(ctx, rec)
		if err == nil {
			r.metrics.ObserveTranscription("success")
			return text, nil
		}
		lastErr = err
		r.logger.Warn("transcription attempt failed", "call_sid", rec.CallSID, "recording_sid", rec.SID, "attempt", attempt, "error", err)
		if attempt == r.attempts || errors.Is(err, context.Canceled) {
			break
		}
		if err := r.sleep(ctx, time.Duration(attempt)*r.step); err != nil {
			lastErr = err
			break
		}
	}
	r.metrics.ObserveTranscription("failed")
	return "", fmt.Errorf("voice: transcription failed after retries: %w", lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
