package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type SNSPublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// JobsHandler processes pushed jobs. Malformed deliveries get 400 so the
// sender drops them; processing failures get 500 so it redelivers.
type JobsHandler struct {
	sns        SNSPublishAPI
	emailTopic string
	log        *zap.Logger
	now        func() time.Time
	routes     []route
}

// NewJobsHandler builds the worker; publisher may be nil when emailTopic is
// empty.
func NewJobsHandler(publisher SNSPublishAPI, emailTopic string, log *zap.Logger) *JobsHandler {
	return &JobsHandler{
		sns:        publisher,
		emailTopic: emailTopic,
		log:        log,
		now:        time.Now,
		routes: []route{
			newRoute(http.MethodGet, "/health"),
			newRoute(http.MethodPost, "/pubsub"),
		},
	}
}

func (h *JobsHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	reqID := requestID(req)
	idx, _, status := dispatch(h.routes, req)
	if idx < 0 {
		return withRequestID(noRoute(status), reqID), nil
	}
	log := h.log.With(zap.String("reqId", reqID), zap.String("route", h.routes[idx].name))

	if h.routes[idx].name == "GET /health" {
		return withRequestID(jsonResp(http.StatusOK, map[string]any{
			"ok":        true,
			"service":   "worker-jobs",
			"timestamp": h.now().UTC().Format(time.RFC3339),
			"requestId": reqID,
		}), reqID), nil
	}
	return withRequestID(h.push(ctx, log, req), reqID), nil
}

func (h *JobsHandler) push(ctx context.Context, log *zap.Logger, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	j, env, err := decodePush(req)
	if err != nil {
		log.Error("invalid push message", zap.Error(err))
		return jsonResp(http.StatusBadRequest, map[string]string{"code": "invalid_message", "message": err.Error()})
	}
	log = log.With(zap.String("messageId", env.Message.MessageID), zap.String("subscription", env.Subscription))
	log.Info("received push message", zap.Any("attributes", env.Message.Attributes))

	if err := h.process(ctx, log, j); err != nil {
		log.Error("job failed", zap.Error(err))
		return jsonResp(http.StatusInternalServerError, map[string]string{"code": "processing_failed", "message": "job processing failed"})
	}
	return jsonResp(http.StatusOK, map[string]any{
		"status":      "success",
		"messageId":   env.Message.MessageID,
		"processedAt": h.now().UTC().Format(time.RFC3339),
	})
}

// jobHeader selects the payload schema for a job.
type jobHeader struct {
	Type string `json:"type"`
}

type emailJob struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type notificationJob struct {
	NotificationType string `json:"notificationType"`
}

type dataJob struct {
	DataSize int64 `json:"dataSize" validate:"gte=0"`
}

// job is a decoded push payload; exactly one of the typed payloads is set
// for known types.
type job struct {
	Type         string
	Email        *emailJob
	Notification *notificationJob
	Data         *dataJob
}

var jobValidate = validator.New(validator.WithRequiredStructEnabled())

func decodePush(req events.APIGatewayV2HTTPRequest) (job, pushEnvelope, error) {
	var env pushEnvelope
	raw, err := body(req)
	if err != nil {
		return job{}, env, fmt.Errorf("decode body: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return job{}, env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Message.Data == "" || env.Message.MessageID == "" || env.Subscription == "" {
		return job{}, env, fmt.Errorf("envelope requires message.data, message.messageId and subscription")
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return job{}, env, fmt.Errorf("decode message data: %w", err)
	}
	j, err := decodeJob(data)
	return j, env, err
}

func decodeJob(data []byte) (job, error) {
	var head jobHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return job{}, fmt.Errorf("decode job: %w", err)
	}
	j := job{Type: strings.TrimSpace(head.Type)}

	var payload any
	switch j.Type {
	case "email":
		j.Email = &emailJob{}
		payload = j.Email
	case "notification":
		j.Notification = &notificationJob{}
		payload = j.Notification
	case "data_processing":
		j.Data = &dataJob{}
		payload = j.Data
	default:
		return j, nil
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return job{}, fmt.Errorf("decode %s job: %w", j.Type, err)
	}
	if err := jobValidate.Struct(payload); err != nil {
		return job{}, fmt.Errorf("invalid %s job: %w", j.Type, err)
	}
	return j, nil
}

func (h *JobsHandler) process(ctx context.Context, log *zap.Logger, j job) error {
	log.Info("processing job", zap.String("jobType", j.Type))

	switch {
	case j.Email != nil:
		return h.email(ctx, log, *j.Email)
	case j.Notification != nil:
		log.Info("notification job", zap.String("notificationType", j.Notification.NotificationType))
	case j.Data != nil:
		log.Info("data job", zap.Int64("dataSize", j.Data.DataSize))
	default:
		log.Warn("unknown job type", zap.String("jobType", j.Type))
	}
	return nil
}

func (h *JobsHandler) email(ctx context.Context, log *zap.Logger, e emailJob) error {
	log.Info("email job", zap.String("emailTo", e.To))
	if h.emailTopic == "" || h.sns == nil {
		return nil
	}

	subject := strings.TrimSpace(e.Subject)
	if subject == "" {
		subject = "Hyperush notification"
	}
	message := strings.TrimSpace(e.Body)
	if message == "" {
		message = fmt.Sprintf("Notification for %s", e.To)
	}
	out, err := h.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(h.emailTopic),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"to": {DataType: aws.String("String"), StringValue: aws.String(e.To)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish email job: %w", err)
	}
	log.Info("email job published", zap.String("snsMessageId", aws.ToString(out.MessageId)))
	return nil
}
