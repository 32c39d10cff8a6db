package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hyperush/internal/auth"
	"hyperush/internal/authz"
	"hyperush/internal/config"
	"hyperush/internal/docstore"
	"hyperush/internal/handlers"
	"hyperush/internal/idempotency"
	"hyperush/internal/logging"
)

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	var cfg config.Authz
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

	var store docstore.Store
	switch cfg.DocstoreBackend {
	case "memory":
		logger.Warn("using in-memory document store, data is lost on restart")
		store = docstore.NewMemory()
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Fatal("load aws config", zap.Error(err))
		}
		store = docstore.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.DocstoreTable)
	}

	engine := idempotency.NewEngine(store, logger.Named("idempotency"))
	svc := authz.NewService(store, engine, logger.Named("authz"), authz.Options{
		EnforceInviteEmail: cfg.EnforceInviteEmail,
		InvitationTTL:      cfg.InvitationTTL,
	})
	h := handlers.NewAuthzHandler(svc, auth.NewAuthenticator(cfg.AuthJWTSecret), logger)

	logger.Info("authz service starting",
		zap.String("docstore", cfg.DocstoreBackend),
		zap.Bool("enforceInviteEmail", cfg.EnforceInviteEmail))
	lambda.Start(h.Handle)
}
