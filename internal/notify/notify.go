// Package notify routes operator notifications to chat, email and pager channels.
// Delivery is best effort: failures are logged and never reach the caller of Send.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Channel string

const (
	Chat  Channel = "chat"
	Email Channel = "email"
	Pager Channel = "pager"
)

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// ParseChannel accepts channel names, including the slack/pagerduty aliases.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "slack":
		return Chat, nil
	case "email":
		return Email, nil
	case "pager", "pagerduty":
		return Pager, nil
	}
	return "", fmt.Errorf("unknown notification channel %q", s)
}

type Notification struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Channels []Channel      `json:"channels,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sender delivers to one channel.
type Sender interface {
	Send(ctx context.Context, ch Channel, n Notification) error
}

// DefaultChannels is the severity routing used when a notification names no channels.
func DefaultChannels(s Severity) []Channel {
	switch s {
	case Critical:
		return []Channel{Chat, Pager}
	case Error:
		return []Channel{Chat, Email}
	default:
		return []Channel{Chat}
	}
}

// Notifier fans a notification out to its enabled channels.
type Notifier struct {
	Logger  logrus.FieldLogger
	Timeout time.Duration
	// Delivered observes every attempted delivery, successful or not.
	Delivered func(n Notification, ch Channel, err error)

	senders map[Channel]Sender
	enabled map[Channel]bool
	wg      sync.WaitGroup
}

// New returns a notifier delivering only to enabled channels that have a sender.
func New(enabled []Channel, senders map[Channel]Sender, logger logrus.FieldLogger) *Notifier {
	n := &Notifier{
		Logger:  logger,
		Timeout: 10 * time.Second,
		senders: make(map[Channel]Sender, len(senders)),
		enabled: make(map[Channel]bool, len(enabled)),
	}
	for ch, s := range senders {
		n.senders[ch] = s
	}
	for _, ch := range enabled {
		n.enabled[ch] = true
	}
	if n.Logger == nil {
		n.Logger = logrus.StandardLogger()
	}
	return n
}

// Targets resolves the channels n would be delivered to.
func (nt *Notifier) Targets(n Notification) []Channel {
	chans := n.Channels
	if len(chans) == 0 {
		chans = DefaultChannels(n.Severity)
	}
	var out []Channel
	for _, ch := range chans {
		if nt.enabled[ch] && nt.senders[ch] != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Send delivers in the background and returns immediately.
func (nt *Notifier) Send(n Notification) {
	if nt == nil {
		return
	}
	nt.wg.Add(1)
	go func() {
		defer nt.wg.Done()
		ctx := context.Background()
		if nt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, nt.Timeout)
			defer cancel()
		}
		if err := nt.Deliver(ctx, n); err != nil {
			nt.Logger.WithError(err).WithField("title", n.Title).Warn("notification delivery failed")
		}
	}()
}

// Deliver sends to every target channel and joins the failures.
func (nt *Notifier) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, ch := range nt.Targets(n) {
		err := nt.senders[ch].Send(ctx, ch, n)
		if nt.Delivered != nil {
			nt.Delivered(n, ch, err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every Send started so far has finished.
func (nt *Notifier) Wait() {
	if nt == nil {
		return
	}
	nt.wg.Wait()
}
