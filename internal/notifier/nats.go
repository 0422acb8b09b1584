package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
)

// Notifier publishes newly indexed file records on a subject-addressed bus.
type Notifier interface {
	Publish(ctx context.Context, items []domain.FileRecord) error
	Close()
}

// Options carries the bus connection settings.
type Options struct {
	URL         string
	User        string
	Password    string
	RootSubject string
}

// NatsNotifier publishes file records to a NATS server, one message per
// record on "{root}.{project}.{collector_id}.{data_type}".
type NatsNotifier struct {
	conn *nats.Conn
	root string
}

// New connects to the bus. An empty URL or a failed connection downgrades to
// a logged no-op notifier so the update loop keeps running without
// notifications.
func New(opts Options) Notifier {
	if opts.URL == "" {
		logger.S.Info("notification bus not configured, notifications disabled")
		return noopNotifier{}
	}
	n, err := Connect(opts)
	if err != nil {
		logger.S.Warnw("notification bus unavailable, notifications disabled", "error", err)
		return noopNotifier{}
	}
	return n
}

// Connect dials the bus, failing instead of downgrading. Used by consumers
// that need a live subscription.
func Connect(opts Options) (*NatsNotifier, error) {
	var natsOpts []nats.Option
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", opts.URL, err)
	}

	root := opts.RootSubject
	if root == "" {
		root = domain.DefaultRootSubject
	}
	logger.S.Infow("connected to notification bus", "url", opts.URL, "root_subject", root)
	return &NatsNotifier{conn: conn, root: root}, nil
}

// Publish serializes each record to JSON and publishes it on its subject,
// flushing once at the end of the batch.
func (n *NatsNotifier) Publish(_ context.Context, items []domain.FileRecord) error {
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := n.conn.Publish(item.Subject(n.root), payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Subscribe consumes the bus and delivers decoded records on the returned
// channel until ctx is canceled. An empty subject subscribes to everything
// under the root. Malformed payloads are logged and skipped.
func (n *NatsNotifier) Subscribe(ctx context.Context, subject string) (<-chan domain.FileRecord, error) {
	if subject == "" {
		subject = n.root + ".>"
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := n.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	out := make(chan domain.FileRecord)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec domain.FileRecord
				if err := json.Unmarshal(msg.Data, &rec); err != nil {
					logger.S.Warnw("skipping malformed bus payload", "subject", msg.Subject, "error", err)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- rec:
				}
			}
		}
	}()
	return out, nil
}

func (n *NatsNotifier) Close() {
	n.conn.Close()
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, []domain.FileRecord) error { return nil }
func (noopNotifier) Close()                                             {}
