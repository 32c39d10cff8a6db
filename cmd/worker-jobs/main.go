package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hyperush/internal/config"
	"hyperush/internal/handlers"
	"hyperush/internal/logging"
)

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	var cfg config.Worker
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	var publisher handlers.SNSPublishAPI
	if cfg.JobsEmailTopicArn != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Fatal("load aws config", zap.Error(err))
		}
		publisher = sns.NewFromConfig(awsCfg)
	} else {
		logger.Info("JOBS_EMAIL_TOPIC_ARN not set, email jobs are only logged")
	}

	h := handlers.NewJobsHandler(publisher, cfg.JobsEmailTopicArn, logger)
	lambda.Start(h.Handle)
}
