package voice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
)

// Speech is what the caller hears: pre-rendered audio when synthesis
// worked, otherwise the text is spoken by the telephony gateway.
type Speech struct {
	Text     string
	AudioURL string
}

// Synthesizer turns prompt text into a playable audio URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// PollyAPI is the subset of the Polly client used by PollySynthesizer.
type PollyAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

const (
	defaultPollyVoice = "Joanna"
	defaultAudioTTL   = 15 * time.Minute
)

// PollySynthesizer renders prompts with Amazon Polly and serves them from S3.
// Audio is stored under a content hash, so repeated prompts reuse one key.
type PollySynthesizer struct {
	api     PollyAPI
	objects *ObjectStore
	voice   string
	ttl     time.Duration
}

func NewPollySynthesizer(api PollyAPI, objects *ObjectStore, voice string) *PollySynthesizer {
	if strings.TrimSpace(voice) == "" {
		voice = defaultPollyVoice
	}
	return &PollySynthesizer{api: api, objects: objects, voice: voice, ttl: defaultAudioTTL}
}

func (p *PollySynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("voice: nothing to synthesize")
	}
	out, err := p.api.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		OutputFormat: pollytypes.OutputFormatMp3,
		VoiceId:      pollytypes.VoiceId(p.voice),
		Engine:       pollytypes.EngineNeural,
	})
	if err != nil {
		return "", fmt.Errorf("voice: polly synthesize: %w", err)
	}
	defer out.AudioStream.Close()
	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return "", fmt.Errorf("voice: read polly audio: %w", err)
	}

	key := "tts/" + promptHash(p.voice, text) + ".mp3"
	if err := p.objects.Put(ctx, key, audio, "audio/mpeg"); err != nil {
		return "", err
	}
	return p.objects.PresignGet(ctx, key, p.ttl)
}

func promptHash(voice, text string) string {
	sum := sha256.Sum256([]byte(voice + "|" + text))
	return hex.EncodeToString(sum[:16])
}
