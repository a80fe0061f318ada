package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Comfy     Comfy
	Redis     Redis
	Task      Task
	Webhook   Webhook
	Storage   Storage
	Workflows Workflows
}

type Comfy struct {
	Host          string        `env:"COMFY_API_HOST" envDefault:"127.0.0.1"`
	Port          int           `env:"COMFY_API_PORT" envDefault:"8188"`
	ClientID      string        `env:"COMFY_CLIENT_ID"`
	SubmitTimeout time.Duration `env:"COMFY_SUBMIT_TIMEOUT" envDefault:"30s"`
}

func (c Comfy) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

func (c Comfy) WebsocketURL(clientID string) string {
	return fmt.Sprintf("ws://%s:%d/ws?clientId=%s", c.Host, c.Port, clientID)
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type Task struct {
	// TTL bounds the lifetime of a task record from its last mutation.
	TTL time.Duration `env:"TASK_TTL" envDefault:"168h"`
}

type Webhook struct {
	URL     string        `env:"WEBHOOK_URL"`
	Secret  string        `env:"WEBHOOK_SECRET"`
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

type Storage struct {
	Enabled   bool          `env:"STORAGE_ENABLED" envDefault:"false"`
	Endpoint  string        `env:"STORAGE_ENDPOINT"`
	AccessKey string        `env:"STORAGE_ACCESS_KEY"`
	SecretKey string        `env:"STORAGE_SECRET_KEY"`
	Secure    bool          `env:"STORAGE_SECURE" envDefault:"false"`
	Bucket    string        `env:"STORAGE_BUCKET" envDefault:"comfytask-images"`
	Prefix    string        `env:"STORAGE_PREFIX" envDefault:"images/"`
	URLExpiry time.Duration `env:"STORAGE_URL_EXPIRY" envDefault:"168h"`
}

type Workflows struct {
	Dir string `env:"WORKFLOWS_DIR" envDefault:"workflows"`
}

func Load() *Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}

	return &c
}
