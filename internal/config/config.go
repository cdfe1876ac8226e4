package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Graph API
	// ----------------------------
	GraphBaseURL  string `envconfig:"GRAPH_BASE_URL" default:"https://graph.microsoft.com/v1.0"`
	GraphLoginURL string `envconfig:"GRAPH_LOGIN_URL" default:"https://login.microsoftonline.com"`
	TenantID      string `envconfig:"TENANT_ID" required:"true"`
	ClientID      string `envconfig:"CLIENT_ID" required:"true"`
	ClientSecret  string `envconfig:"CLIENT_SECRET" required:"true"`
	SenderEmail   string `envconfig:"SENDER_EMAIL" required:"true"`
	RefreshToken  string `envconfig:"REFRESH_TOKEN" default:""`

	// ----------------------------
	// Dispatch
	// ----------------------------
	GroupSize        int `envconfig:"GROUP_SIZE" default:"20"`
	GroupConcurrency int `envconfig:"GROUP_CONCURRENCY" default:"3"`
	DispatchRetries  int `envconfig:"DISPATCH_RETRIES" default:"3"`
	MaxContacts      int `envconfig:"MAX_CONTACTS" default:"10000"`

	// ----------------------------
	// Attachments
	// ----------------------------
	UploadConcurrency int `envconfig:"UPLOAD_CONCURRENCY" default:"3"`

	// ----------------------------
	// Scheduler
	// ----------------------------
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	JobStorePath string        `envconfig:"JOB_STORE_PATH" default:"data/jobs.json"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database (campaign ledger; empty disables it)
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
