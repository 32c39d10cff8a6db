package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hyperush/internal/config"
	"hyperush/internal/handlers"
	"hyperush/internal/logging"
	"hyperush/internal/secrets"
	"hyperush/internal/security"
	"hyperush/internal/shopify"
)

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	var cfg config.Shops
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("load aws config", zap.Error(err))
	}
	h, err := build(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Fatal("build shops handler", zap.Error(err))
	}
	lambda.Start(h.Handle)
}

func build(ctx context.Context, cfg config.Shops, awsCfg aws.Config, logger *zap.Logger) (*handlers.ShopsHandler, error) {
	ssmClient := ssm.NewFromConfig(awsCfg)
	resolver := secrets.NewResolver(ssmClient)

	apiKey, err := resolver.Resolve(ctx, cfg.ShopifyAPIKey, cfg.ShopifyAPIKeyParam)
	if err != nil {
		return nil, err
	}
	apiSecret, err := resolver.Resolve(ctx, cfg.ShopifyAPISecret, cfg.ShopifyAPISecretParam)
	if err != nil {
		return nil, err
	}
	webhookSecret, err := resolveWebhookSecret(ctx, resolver, cfg, apiSecret)
	if err != nil {
		return nil, err
	}
	if webhookSecret == apiSecret {
		logger.Info("no dedicated webhook secret, using the api secret")
	}
	stateSecret := cfg.StateSecret
	if stateSecret == "" {
		stateSecret = apiSecret
	}

	stateOpts := shopify.StateOptions{Secret: stateSecret, TTL: cfg.StateTTL}
	var states shopify.StateStore
	switch cfg.StateBackend {
	case "dynamodb":
		states, err = shopify.NewDynamoStateStore(dynamodb.NewFromConfig(awsCfg), cfg.StateTable, stateOpts)
	default:
		states, err = shopify.NewFileStateStore(filepath.Join(cfg.DataDir, "oauth-states.json"), stateOpts)
	}
	if err != nil {
		return nil, err
	}

	var tokens shopify.TokenStore
	switch cfg.TokenBackend {
	case "ssm":
		tokens = shopify.NewSSMTokenStore(ssmClient, cfg.TokenParamPrefix)
	default:
		var sealer *security.Sealer
		if strings.TrimSpace(cfg.TokenEncKeyB64) != "" {
			if sealer, err = security.NewSealerFromBase64(cfg.TokenEncKeyB64); err != nil {
				return nil, err
			}
		} else {
			logger.Warn("TOKEN_ENC_KEY_B64 not set, file token store keeps plaintext tokens")
		}
		tokens = shopify.NewFileTokenStore(filepath.Join(cfg.DataDir, "shop-tokens.json"), sealer)
	}

	var ledger shopify.WebhookLedger
	switch cfg.WebhookBackend {
	case "dynamodb":
		ledger = shopify.NewDynamoWebhookLedger(dynamodb.NewFromConfig(awsCfg), cfg.WebhookDedupeTable, cfg.WebhookRetention)
	default:
		ledger = shopify.NewFileWebhookLedger(filepath.Join(cfg.DataDir, "webhooks.json"), cfg.WebhookMaxEntries)
	}

	var archive handlers.WebhookArchive
	if cfg.WebhookArchiveBucket != "" {
		archive = shopify.NewS3Archive(s3.NewFromConfig(awsCfg), cfg.WebhookArchiveBucket)
	}

	logger.Info("shops service starting",
		zap.String("stateBackend", cfg.StateBackend),
		zap.String("tokenBackend", cfg.TokenBackend),
		zap.String("webhookBackend", cfg.WebhookBackend),
		zap.Bool("archive", archive != nil))

	oauth := shopify.NewOAuthClient(apiKey, apiSecret, cfg.ShopifyAPIVersion)
	return handlers.NewShopsHandler(oauth, states, tokens, ledger, archive, handlers.ShopsConfig{
		AppURL:        cfg.AppURL,
		Scopes:        cfg.ShopifyScopes,
		WebhookSecret: webhookSecret,
		WebhookTopics: cfg.ShopifyWebhookTopics,
	}, logger), nil
}

// resolveWebhookSecret falls back to the api secret only when no dedicated webhook
// secret is configured. Lookup failures are returned.
func resolveWebhookSecret(ctx context.Context, resolver *secrets.Resolver, cfg config.Shops, apiSecret string) (string, error) {
	secret, err := resolver.Resolve(ctx, cfg.ShopifyWebhookSecret, cfg.ShopifyWebhookSecretParam)
	if errors.Is(err, secrets.ErrNotFound) {
		return apiSecret, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve webhook secret: %w", err)
	}
	return secret, nil
}
