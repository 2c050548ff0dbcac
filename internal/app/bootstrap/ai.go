package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/llm"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// BuildLLMClient wires Bedrock as the primary provider and Gemini as the
// fallback. Either may be absent; with neither configured it returns nil.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var primary, fallback llm.Client
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" {
		primary = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), model)
		logger.Info("llm provider: bedrock", "model", model)
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, err
		}
		fallback = gemini
		logger.Info("llm provider: gemini", "model", cfg.GeminiModelID)
	}

	switch {
	case primary == nil && fallback == nil:
		return nil, nil
	case primary == nil:
		return fallback, nil
	case fallback == nil:
		return primary, nil
	default:
		return llm.NewFallbackClient(primary, fallback, logger), nil
	}
}

// BuildClassifier returns the keyword classifier, fronted by the LLM one
// when enabled and a client exists.
func BuildClassifier(cfg *appconfig.Config, client llm.Client, logger *logging.Logger) intent.Classifier {
	keyword := intent.NewKeywordClassifier()
	if cfg == nil || !cfg.LLMClassifierEnabled || client == nil {
		return keyword
	}
	return intent.NewLLMClassifier(client, keyword, logger)
}

// BuildSender returns the Twilio SMS sender or nil when credentials are
// missing.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) messaging.Sender {
	if cfg == nil || cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
		return nil
	}
	return messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
}
