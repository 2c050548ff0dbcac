package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"

	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/voice"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// BuildSynthesizer renders prompts with Polly into TTS_BUCKET. Without a
// bucket prompts are spoken by the telephony gateway and nil is returned.
func BuildSynthesizer(cfg *appconfig.Config, awsCfg aws.Config) voice.Synthesizer {
	if cfg == nil || strings.TrimSpace(cfg.TTSBucket) == "" {
		return nil
	}
	s3Client := s3.NewFromConfig(awsCfg)
	objects := voice.NewObjectStore(s3Client, s3.NewPresignClient(s3Client), cfg.TTSBucket)
	return voice.NewPollySynthesizer(polly.NewFromConfig(awsCfg), objects, cfg.IVRVoice)
}

// BuildTranscriber stages recordings in RECORDINGS_BUCKET and runs AWS
// Transcribe with retries. Without a bucket calls finish untranscribed.
func BuildTranscriber(cfg *appconfig.Config, awsCfg aws.Config, m *metrics.VoiceMetrics, logger *logging.Logger) voice.Transcriber {
	if cfg == nil || strings.TrimSpace(cfg.RecordingsBucket) == "" {
		return nil
	}
	objects := voice.NewObjectStore(s3.NewFromConfig(awsCfg), nil, cfg.RecordingsBucket)
	fetcher := voice.NewHTTPRecordingFetcher(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	base := voice.NewAWSTranscriber(transcribe.NewFromConfig(awsCfg), objects, fetcher)
	return voice.NewRetryingTranscriber(base, m, logger)
}

// BuildPostCallQueue returns the SQS queue, or an in-process queue when
// USE_MEMORY_QUEUE is set or no queue URL exists. inline reports whether the
// worker must run inside the caller's process.
func BuildPostCallQueue(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (queue voice.Queue, inline bool, err error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.PostCallQueueURL) == "" {
		logger.Info("post-call queue: memory")
		return voice.NewMemoryQueue(256), true, nil
	}
	q, err := voice.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.PostCallQueueURL)
	if err != nil {
		return nil, false, err
	}
	logger.Info("post-call queue: sqs")
	return q, false, nil
}
