package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

type fakePublisher struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func pushBody(t *testing.T, job any) string {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]any{
		"message": map[string]any{
			"data":        base64.StdEncoding.EncodeToString(data),
			"messageId":   "msg-1",
			"publishTime": "2026-03-01T12:00:00Z",
			"attributes":  map[string]string{"source": "test"},
		},
		"subscription": "projects/p/subscriptions/jobs",
	}
	b, _ := json.Marshal(env)
	return string(b)
}

func TestJobsPush(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	h := NewJobsHandler(pub, "arn:aws:sns:us-east-1:123456789012:jobs-email", zap.NewNop())
	ctx := context.Background()

	emailJob := pushBody(t, map[string]any{"type": "email", "to": "bob@example.com", "subject": "Hi", "body": "Welcome"})
	resp, _ := h.Handle(ctx, apiRequest("POST", "/pubsub", nil, nil, emailJob))
	if resp.StatusCode != 200 || decodeBody(t, resp)["messageId"] != "msg-1" {
		t.Fatalf("email job = %d %s", resp.StatusCode, resp.Body)
	}
	if len(pub.inputs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.inputs))
	}
	in := pub.inputs[0]
	if aws.ToString(in.Subject) != "Hi" || aws.ToString(in.Message) != "Welcome" || aws.ToString(in.MessageAttributes["to"].StringValue) != "bob@example.com" {
		t.Fatalf("publish input = %+v", in)
	}

	for _, job := range []map[string]any{
		{"type": "notification", "notificationType": "push"},
		{"type": "data_processing", "dataSize": 42},
		{"type": "mystery"},
	} {
		resp, _ := h.Handle(ctx, apiRequest("POST", "/pubsub", nil, nil, pushBody(t, job)))
		if resp.StatusCode != 200 {
			t.Fatalf("%v = %d %s", job["type"], resp.StatusCode, resp.Body)
		}
	}
	if len(pub.inputs) != 1 {
		t.Fatalf("non-email jobs published")
	}
}

func TestJobsPushFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewJobsHandler(&fakePublisher{err: errors.New("throttled")}, "arn:aws:sns:us-east-1:123456789012:jobs-email", zap.NewNop())

	notBase64 := `{"message":{"data":"***","messageId":"m"},"subscription":"s"}`
	notJSONJob := `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte("nope")) + `","messageId":"m"},"subscription":"s"}`
	for name, body := range map[string]string{
		"not json":          "{",
		"missing data":      `{"message":{"messageId":"m"},"subscription":"s"}`,
		"missing messageId": `{"message":{"data":"e30="},"subscription":"s"}`,
		"bad base64":        notBase64,
		"job not json":      notJSONJob,
		"email without to":  pushBody(t, map[string]any{"type": "email", "subject": "Hi"}),
		"email bad to":      pushBody(t, map[string]any{"type": "email", "to": "not-an-address"}),
		"email to number":   pushBody(t, map[string]any{"type": "email", "to": 7}),
		"dataSize string":   pushBody(t, map[string]any{"type": "data_processing", "dataSize": "big"}),
		"dataSize negative": pushBody(t, map[string]any{"type": "data_processing", "dataSize": -1}),
		"notification type": pushBody(t, map[string]any{"type": "notification", "notificationType": []int{1}}),
	} {
		resp, _ := h.Handle(ctx, apiRequest("POST", "/pubsub", nil, nil, body))
		if resp.StatusCode != 400 {
			t.Fatalf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}

	resp, _ := h.Handle(ctx, apiRequest("POST", "/pubsub", nil, nil, pushBody(t, map[string]any{"type": "email", "to": "bob@example.com"})))
	if resp.StatusCode != 500 {
		t.Fatalf("publish failure = %d, want 500", resp.StatusCode)
	}
}

func TestJobsWithoutTopicOnlyLogs(t *testing.T) {
	t.Parallel()
	h := NewJobsHandler(nil, "", zap.NewNop())

	resp, _ := h.Handle(context.Background(), apiRequest("POST", "/pubsub", nil, nil, pushBody(t, map[string]any{"type": "email", "to": "bob@example.com"})))
	if resp.StatusCode != 200 {
		t.Fatalf("email without topic = %d", resp.StatusCode)
	}
	if resp, _ := h.Handle(context.Background(), apiRequest("GET", "/health", nil, nil, "")); resp.StatusCode != 200 {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}
