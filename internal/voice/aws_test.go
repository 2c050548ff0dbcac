package voice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	transcribetypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	m.objects[*in.Key] = body
	m.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type mockPresigner struct{}

func (mockPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://" + *in.Bucket + ".s3.example/" + *in.Key + "?sig=1", Method: http.MethodGet}, nil
}

type mockPolly struct {
	input *polly.SynthesizeSpeechInput
	err   error
}

func (m *mockPolly) SynthesizeSpeech(_ context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(strings.NewReader("mp3-bytes"))}, nil
}

func TestPollySynthesizerUploadsAndPresigns(t *testing.T) {
	store := newMockS3()
	api := &mockPolly{}
	synth := NewPollySynthesizer(api, NewObjectStore(store, mockPresigner{}, "tts-bucket"), "")

	url, err := synth.Synthesize(context.Background(), "Welcome to the clinic")
	require.NoError(t, err)
	assert.Equal(t, "Joanna", string(api.input.VoiceId))
	assert.Equal(t, "Welcome to the clinic", aws.ToString(api.input.Text))

	key := "tts/" + promptHash("Joanna", "Welcome to the clinic") + ".mp3"
	assert.Equal(t, []byte("mp3-bytes"), store.objects[key])
	assert.Equal(t, "audio/mpeg", store.types[key])
	assert.Equal(t, "https://tts-bucket.s3.example/"+key+"?sig=1", url)
}

func TestPollySynthesizerError(t *testing.T) {
	synth := NewPollySynthesizer(&mockPolly{err: errors.New("throttled")}, NewObjectStore(newMockS3(), mockPresigner{}, "b"), "Matthew")
	_, err := synth.Synthesize(context.Background(), "hi")
	assert.Error(t, err)

	_, err = synth.Synthesize(context.Background(), "  ")
	assert.Error(t, err)
}

type mockTranscribe struct {
	store   *mockS3
	started *transcribe.StartTranscriptionJobInput
	polls   int
	status  transcribetypes.TranscriptionJobStatus
}

func (m *mockTranscribe) StartTranscriptionJob(_ context.Context, in *transcribe.StartTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error) {
	m.started = in
	return &transcribe.StartTranscriptionJobOutput{}, nil
}

func (m *mockTranscribe) GetTranscriptionJob(_ context.Context, in *transcribe.GetTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error) {
	m.polls++
	status := transcribetypes.TranscriptionJobStatusInProgress
	if m.polls >= 2 {
		status = m.status
		if status == transcribetypes.TranscriptionJobStatusCompleted {
			m.store.objects[*m.started.OutputKey] = []byte(`{"results":{"transcripts":[{"transcript":"Hi, I'd like to reschedule."}]}}`)
		}
	}
	return &transcribe.GetTranscriptionJobOutput{TranscriptionJob: &transcribetypes.TranscriptionJob{
		TranscriptionJobName:   in.TranscriptionJobName,
		TranscriptionJobStatus: status,
		FailureReason:          aws.String("bad audio"),
	}}, nil
}

func newTestTranscriber(t *testing.T, status transcribetypes.TranscriptionJobStatus) (*AWSTranscriber, *mockS3, *mockTranscribe) {
	t.Helper()
	store := newMockS3()
	api := &mockTranscribe{store: store, status: status}
	tr := NewAWSTranscriber(api, NewObjectStore(store, nil, "rec-bucket"), NewHTTPRecordingFetcher("AC1", "secret"))
	tr.pollInterval = time.Millisecond
	return tr, store, api
}

func TestAWSTranscriberRoundTrip(t *testing.T) {
	tr, store, api := newTestTranscriber(t, transcribetypes.TranscriptionJobStatusCompleted)
	rec := Recording{CallSID: "CA1", SID: "RE1", URL: ""}
	_, err := tr.Transcribe(context.Background(), rec)
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("RIFF-wav"))
	}))
	defer srv.Close()
	rec.URL = srv.URL + "/Recordings/RE1"

	text, err := tr.Transcribe(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "Hi, I'd like to reschedule.", text)
	assert.Equal(t, []byte("RIFF-wav"), store.objects["recordings/RE1.wav"])
	assert.Equal(t, "s3://rec-bucket/recordings/RE1.wav", aws.ToString(api.started.Media.MediaFileUri))
	assert.Equal(t, "rec-bucket", aws.ToString(api.started.OutputBucketName))
	assert.Equal(t, transcribetypes.LanguageCodeEnUs, api.started.LanguageCode)
}

func TestAWSTranscriberJobFailure(t *testing.T) {
	tr, _, _ := newTestTranscriber(t, transcribetypes.TranscriptionJobStatusFailed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("RIFF-wav"))
	}))
	defer srv.Close()

	_, err := tr.Transcribe(context.Background(), Recording{CallSID: "CA1", SID: "RE2", URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad audio")
}

func TestHTTPRecordingFetcherSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("RIFF-wav"))
	}))
	defer srv.Close()

	data, err := NewHTTPRecordingFetcher("AC1", "secret").Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-wav"), data)

	_, err = NewHTTPRecordingFetcher("AC1", "wrong").Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHTTPRecordingFetcherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := NewHTTPRecordingFetcher("", "").Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestParseTranscriptJoinsSegments(t *testing.T) {
	text, err := parseTranscript([]byte(`{"results":{"transcripts":[{"transcript":" one "},{"transcript":"two"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "one two", text)

	_, err = parseTranscript([]byte("not json"))
	assert.Error(t, err)
}

type mockSQS struct {
	sent    []string
	deleted []string
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	var msgs []sqstypes.Message
	for i, body := range m.sent {
		if int32(i) >= in.MaxNumberOfMessages {
			break
		}
		msgs = append(msgs, sqstypes.Message{MessageId: aws.String("m-1"), Body: aws.String(body), ReceiptHandle: aws.String("rh-1")})
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueuePublishesJobs(t *testing.T) {
	_, err := NewSQSQueue(nil, "url")
	require.Error(t, err)
	_, err = NewSQSQueue(&mockSQS{}, "")
	require.Error(t, err)

	api := &mockSQS{}
	queue, err := NewSQSQueue(api, "https://sqs.local/postcall")
	require.NoError(t, err)

	pub := NewPublisher(queue)
	require.NoError(t, pub.Enqueue(context.Background(), Job{CallSID: "CA1", OrganizationID: "org-1", Recording: Recording{SID: "RE1"}}))
	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0], `"callSid":"CA1"`)

	msgs, err := queue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "rh-1", msgs[0].ReceiptHandle)

	require.NoError(t, queue.Delete(context.Background(), msgs[0].ReceiptHandle))
	require.NoError(t, queue.Delete(context.Background(), ""))
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}
