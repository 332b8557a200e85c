package gmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const userID = "me"

// Subscription is the state of a mailbox watch.
type Subscription struct {
	HistoryID string
	Expiry    time.Time
}

// Profile is the authorized mailbox as Gmail reports it.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     string
}

// WatchError wraps a failed Gmail call.
type WatchError struct {
	Op      string
	Mailbox string
	Err     error
}

func (e *WatchError) Error() string {
	if e.Mailbox != "" {
		return fmt.Sprintf("gmail %s for %s: %v", e.Op, e.Mailbox, e.Err)
	}
	return fmt.Sprintf("gmail %s: %v", e.Op, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// WatchClient manages push notification subscriptions via users.watch and users.stop.
// Endpoint overrides the API root; empty uses the library default.
type WatchClient struct {
	Topic    string
	LabelIDs []string
	Endpoint string
	Timeout  time.Duration
}

func NewWatchClient(topic string) *WatchClient {
	return &WatchClient{
		Topic:    topic,
		LabelIDs: []string{"INBOX"},
		Timeout:  15 * time.Second,
	}
}

func (c *WatchClient) CreateWatch(ctx context.Context, accessToken, mailbox string) (*Subscription, error) {
	sub, err := c.watch(ctx, accessToken)
	if err != nil {
		return nil, &WatchError{Op: "watch", Mailbox: mailbox, Err: err}
	}
	log.Infof("[Gmail] watch created for %s (historyId=%s, expires=%s)", mailbox, sub.HistoryID, sub.Expiry.Format(time.RFC3339))
	return sub, nil
}

// RenewWatch re-issues users.watch. Gmail has no separate renewal call.
func (c *WatchClient) RenewWatch(ctx context.Context, accessToken, mailbox string) (*Subscription, error) {
	sub, err := c.watch(ctx, accessToken)
	if err != nil {
		return nil, &WatchError{Op: "renew", Mailbox: mailbox, Err: err}
	}
	log.Infof("[Gmail] watch renewed for %s (historyId=%s, expires=%s)", mailbox, sub.HistoryID, sub.Expiry.Format(time.RFC3339))
	return sub, nil
}

func (c *WatchClient) StopWatch(ctx context.Context, accessToken string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return &WatchError{Op: "stop", Err: err}
	}
	if err := svc.Users.Stop(userID).Context(ctx).Do(); err != nil {
		return &WatchError{Op: "stop", Err: err}
	}
	return nil
}

// Profile reads users.getProfile for the mailbox the token belongs to.
func (c *WatchClient) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, &WatchError{Op: "profile", Err: err}
	}
	p, err := svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return nil, &WatchError{Op: "profile", Err: err}
	}
	if p.EmailAddress == "" {
		return nil, &WatchError{Op: "profile", Err: errors.New("profile has no email address")}
	}
	return &Profile{
		EmailAddress:  strings.ToLower(p.EmailAddress),
		MessagesTotal: p.MessagesTotal,
		ThreadsTotal:  p.ThreadsTotal,
		HistoryID:     fmt.Sprint(p.HistoryId),
	}, nil
}

func (c *WatchClient) watch(ctx context.Context, accessToken string) (*Subscription, error) {
	if strings.TrimSpace(c.Topic) == "" {
		return nil, errors.New("pubsub topic is not configured")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Watch(userID, &gmailapi.WatchRequest{
		TopicName:           c.Topic,
		LabelIds:            c.LabelIDs,
		LabelFilterBehavior: "include",
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if resp.Expiration <= 0 {
		return nil, fmt.Errorf("invalid expiration %d", resp.Expiration)
	}
	return &Subscription{
		HistoryID: fmt.Sprint(resp.HistoryId),
		Expiry:    time.UnixMilli(resp.Expiration),
	}, nil
}

// service builds a Gmail client authorized with a single access token.
func (c *WatchClient) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("access token is required")
	}
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})),
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

func (c *WatchClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
