package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/ecranner/internal/config"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

const (
	Username = "Trivy"

	ColorFound    = "#cb2431"
	ColorNotFound = "#2cbe4e"

	// PostTimeout is the default bound on one delivery attempt.
	PostTimeout = 10 * time.Second
)

// Client renders scan results as Slack incoming-webhook messages and posts them.
type Client struct {
	cfg     config.Slack
	http    *http.Client
	timeout time.Duration
	log     logrus.FieldLogger
}

func New(cfg config.Slack) *Client {
	if cfg.Icon == "" {
		cfg.Icon = config.DefaultSlackIcon
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = config.DefaultSlackConcurrency
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		timeout: PostTimeout,
		log:     logrus.WithField("component", "slack"),
	}
}

// WithHTTPClient swaps the underlying transport, mostly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithTimeout sets the bound on each delivery attempt.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

type message struct {
	Username    string       `json:"username"`
	Channel     string       `json:"channel,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Color  string  `json:"color"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type   string `json:"type"`
	Text   *text  `json:"text,omitempty"`
	Fields []text `json:"fields,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) text { return text{Type: "mrkdwn", Text: s} }

// Render builds the webhook body for r: one attachment per target, red when
// the target has findings and green otherwise.
func (c *Client) Render(r domain.Result) (domain.Payload, error) {
	if r.Absent {
		return domain.Payload{}, fmt.Errorf("render %s: no scan result", r.Image)
	}

	msg := message{Username: Username, Channel: c.cfg.Channel, Attachments: []attachment{}}
	if strings.HasPrefix(c.cfg.Icon, "http") {
		msg.IconURL = c.cfg.Icon
	} else {
		msg.IconEmoji = c.cfg.Icon
	}

	for _, t := range r.Targets {
		head := mrkdwn(fmt.Sprintf("*%s*", t.Target))
		att := attachment{Blocks: []block{{Type: "section", Text: &head}}}

		if len(t.Vulnerabilities) == 0 {
			att.Color = ColorNotFound
			none := mrkdwn("Not Found Vulnerabilities")
			att.Blocks = append(att.Blocks, block{Type: "section", Text: &none})
			msg.Attachments = append(msg.Attachments, att)
			continue
		}

		att.Color = ColorFound
		for i, v := range t.Vulnerabilities {
			var refs strings.Builder
			for _, ref := range v.References {
				fmt.Fprintf(&refs, "- %s\n", ref)
			}
			body := mrkdwn(fmt.Sprintf("*%d. %s*\n%s", i+1, v.PkgName, v.Description))
			att.Blocks = append(att.Blocks, block{
				Type: "section",
				Text: &body,
				Fields: []text{
					mrkdwn("*Vulnerability ID*\n" + v.VulnerabilityID),
					mrkdwn("*Severity*\n" + v.Severity),
					mrkdwn("*Reference*\n" + refs.String()),
				},
			})
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("render %s: %w", r.Image, err)
	}
	return domain.Payload{Image: r.Image, Body: body}, nil
}

// Post sends one payload. Any status other than 200 is an error.
func (c *Client) Post(ctx context.Context, p domain.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Webhook, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(res.Body, 1024))

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message to slack: status %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
	}
	c.log.WithField("image", p.Image).Info("Posted to slack")
	return nil
}

// Deliver posts every payload and returns one outcome per payload in input
// order. A single payload is posted inline; more fan out, bounded by the
// configured concurrency. A panic in one attempt fails only that payload.
func (c *Client) Deliver(ctx context.Context, payloads []domain.Payload) []domain.Outcome {
	out := make([]domain.Outcome, len(payloads))
	if len(payloads) == 1 {
		out[0] = domain.Outcome{Payload: payloads[0], Err: c.safePost(ctx, payloads[0])}
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, p := range payloads {
		g.Go(func() error {
			// each slot is written by exactly one goroutine
			out[i] = domain.Outcome{Payload: p, Err: c.safePost(gctx, p)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Client) safePost(ctx context.Context, p domain.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while posting %s: %v", p.Image, r)
		}
	}()
	return c.Post(ctx, p)
}
