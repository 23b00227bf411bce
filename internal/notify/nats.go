package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Close()
}

// NATSPublisher publishes events as JSON on
// {prefix}.price.{tokenID} and {prefix}.balance.{userID}.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Error("disconnected from nats", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSPublisher(nc, cfg.SubjectPrefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "launchpad"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) PriceChanged(_ context.Context, u PriceUpdate) {
	p.publish(fmt.Sprintf("%s.price.%s", p.prefix, u.TokenID), u)
}

func (p *NATSPublisher) BalanceChanged(_ context.Context, u BalanceUpdate) {
	p.publish(fmt.Sprintf("%s.balance.%s", p.prefix, u.UserID), u)
}

func (p *NATSPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal nats event", "subject", subject, "err", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Warn("publish nats event", "subject", subject, "err", err)
	}
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	p.nc.Close()
}
