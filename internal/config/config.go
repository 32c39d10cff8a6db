package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from the process environment.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Authz configures the tenant, invitation and membership service.
type Authz struct {
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DocstoreBackend    string        `env:"DOCSTORE_BACKEND" envDefault:"dynamodb"`
	DocstoreTable      string        `env:"DOCSTORE_TABLE"`
	EnforceInviteEmail bool          `env:"ENFORCE_INVITE_EMAIL" envDefault:"true"`
	InvitationTTL      time.Duration `env:"INVITATION_TTL" envDefault:"168h"`
	AuthJWTSecret      string        `env:"AUTH_JWT_SECRET"`
}

func (c Authz) Validate() error {
	switch c.DocstoreBackend {
	case "memory":
	case "dynamodb":
		if c.DocstoreTable == "" {
			return fmt.Errorf("DOCSTORE_TABLE is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown DOCSTORE_BACKEND %q", c.DocstoreBackend)
	}
	if c.InvitationTTL <= 0 {
		return fmt.Errorf("INVITATION_TTL must be positive")
	}
	return nil
}

// Shops configures the Shopify OAuth connector.
type Shops struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppURL   string `env:"APP_URL" envDefault:"http://localhost:3000"`

	ShopifyAPIKey             string   `env:"SHOPIFY_API_KEY"`
	ShopifyAPIKeyParam        string   `env:"SHOPIFY_API_KEY_PARAM" envDefault:"/shopify/api-key"`
	ShopifyAPISecret          string   `env:"SHOPIFY_API_SECRET"`
	ShopifyAPISecretParam     string   `env:"SHOPIFY_API_SECRET_PARAM" envDefault:"/shopify/api-secret"`
	ShopifyWebhookSecret      string   `env:"SHOPIFY_WEBHOOK_SECRET"`
	ShopifyWebhookSecretParam string   `env:"SHOPIFY_WEBHOOK_SECRET_PARAM" envDefault:"/shopify/webhook-secret"`
	ShopifyScopes             string   `env:"SHOPIFY_SCOPES" envDefault:"read_products,read_orders"`
	ShopifyAPIVersion         string   `env:"SHOPIFY_API_VERSION" envDefault:"2026-01"`
	ShopifyWebhookTopics      []string `env:"SHOPIFY_WEBHOOK_TOPICS" envSeparator:","`

	StateSecret  string        `env:"STATE_SECRET"`
	StateTTL     time.Duration `env:"STATE_TTL" envDefault:"600s"`
	StateBackend string        `env:"STATE_BACKEND" envDefault:"file"`
	StateTable   string        `env:"OAUTH_STATE_TABLE"`

	DataDir          string `env:"DATA_DIR" envDefault:".data"`
	TokenBackend     string `env:"TOKEN_BACKEND" envDefault:"file"`
	TokenParamPrefix string `env:"TOKEN_PARAM_PREFIX" envDefault:"/shopify/tokens"`
	TokenEncKeyB64   string `env:"TOKEN_ENC_KEY_B64"`

	WebhookBackend       string        `env:"WEBHOOK_BACKEND" envDefault:"file"`
	WebhookDedupeTable   string        `env:"SHOPIFY_WEBHOOK_DEDUPE_TABLE"`
	WebhookMaxEntries    int           `env:"WEBHOOK_MAX_ENTRIES" envDefault:"5000"`
	WebhookRetention     time.Duration `env:"WEBHOOK_RETENTION" envDefault:"168h"`
	WebhookArchiveBucket string        `env:"WEBHOOK_ARCHIVE_BUCKET"`
}

func (c Shops) Validate() error {
	if c.StateTTL < 0 {
		return fmt.Errorf("STATE_TTL must not be negative")
	}
	if c.WebhookMaxEntries <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ENTRIES must be positive")
	}
	if err := oneOf("STATE_BACKEND", c.StateBackend, "file", "dynamodb"); err != nil {
		return err
	}
	if err := oneOf("TOKEN_BACKEND", c.TokenBackend, "file", "ssm"); err != nil {
		return err
	}
	if err := oneOf("WEBHOOK_BACKEND", c.WebhookBackend, "file", "dynamodb"); err != nil {
		return err
	}
	if c.StateBackend == "dynamodb" && c.StateTable == "" {
		return fmt.Errorf("OAUTH_STATE_TABLE is required for the dynamodb state backend")
	}
	if c.WebhookBackend == "dynamodb" && c.WebhookDedupeTable == "" {
		return fmt.Errorf("SHOPIFY_WEBHOOK_DEDUPE_TABLE is required for the dynamodb webhook backend")
	}
	return nil
}

// Worker configures the Pub/Sub push job worker.
type Worker struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	JobsEmailTopicArn string `env:"JOBS_EMAIL_TOPIC_ARN"`
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", name, v)
}
