package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/bryanwahyu/ecranner/internal/domain/scans"
)

const (
	DefaultSlackIcon        = ":trivy:"
	DefaultSlackConcurrency = 4
)

// Slack holds webhook settings. They are read from the environment, never
// from the YAML file, so the webhook secret can live in an env file.
type Slack struct {
	Webhook     string
	Channel     string
	Icon        string
	Concurrency int
}

// SlackFromEnv reads SLACK_WEBHOOK (required), SLACK_CHANNEL, SLACK_ICON and
// SLACK_MAX_CONCURRENCY through lookup. Pass os.LookupEnv in production.
func SlackFromEnv(lookup func(string) (string, bool)) (Slack, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	s := Slack{Icon: DefaultSlackIcon, Concurrency: DefaultSlackConcurrency}

	hook, ok := lookup("SLACK_WEBHOOK")
	if !ok || hook == "" {
		return s, &scans.ConfigError{Field: "SLACK_WEBHOOK", Err: errors.New("environment variable is not set")}
	}
	s.Webhook = hook

	if v, ok := lookup("SLACK_CHANNEL"); ok {
		s.Channel = v
	}
	if v, ok := lookup("SLACK_ICON"); ok && v != "" {
		s.Icon = v
	}
	if v, ok := lookup("SLACK_MAX_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return s, &scans.ConfigError{Field: "SLACK_MAX_CONCURRENCY", Err: errors.New("must be a positive integer")}
		}
		s.Concurrency = n
	}
	return s, nil
}
