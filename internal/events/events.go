package events

import (
	"context"
	"encoding/json"
	"time"

	"gigchat/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Subjects published by the messaging core. The configured prefix is prepended.
const (
	SubjectMessageCreated      = "message.created"
	SubjectMessageRead         = "message.read"
	SubjectNotificationCreated = "notification.created"
)

// Publisher emits domain events. id is the idempotency key of the event,
// normally the id of the entity it describes.
type Publisher interface {
	Publish(ctx context.Context, subject, id string, payload any) error
	Close() error
}

type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

func NewNATSPublisher(cfg config.NATS, log *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "events.NewNATSPublisher.Connect")
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject, id string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "events.Publish.Marshal")
	}
	msg := nats.NewMsg(Subject(p.prefix, subject))
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	return errors.Wrap(p.nc.PublishMsg(msg), "events.Publish")
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// Nop discards events. Used when NATS is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
func (Nop) Close() error                                       { return nil }
