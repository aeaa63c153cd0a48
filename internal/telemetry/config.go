package telemetry

import (
	"strings"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
)

const (
	defaultTopicPrefix = "loadctl"
	defaultClientID    = "loadctl"
	defaultTimeout     = 5 * time.Second
)

type Config struct {
	Broker      string // empty disables telemetry
	TopicPrefix string
	ClientID    string
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopicPrefix: defaultTopicPrefix,
		ClientID:    defaultClientID,
		Timeout:     defaultTimeout,
	}
}

func (c Config) Enabled() bool {
	return c.Broker != ""
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled() {
		return nil
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "#+") {
		return errFactory.WithData(ErrInvalidTopic, c.TopicPrefix)
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "mqtt timeout must be > 0")
	}
	return nil
}
