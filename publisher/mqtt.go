// Package publisher sends collected messages to an MQTT broker.
package publisher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nextcaller/sipgrep/collect"
	"github.com/rs/zerolog"
)

type constErr string

func (e constErr) Error() string { return string(e) }

// ErrPublishTimeout is returned when the broker does not acknowledge a
// SIP message or dialog report in time.
const ErrPublishTimeout = constErr("mqtt publish timed out")

const (
	// qosAtLeastOnce makes the broker acknowledge every message, so a
	// consumer may see a retried one twice.
	qosAtLeastOnce = byte(1)

	// publishTimeout bounds the wait for an acknowledgement when the
	// caller's context carries no deadline.
	publishTimeout = 2 * time.Second

	// pollInterval is how long a broker wait goes between checks of its
	// context; paho tokens cannot be selected on.
	pollInterval = 100 * time.Millisecond

	keepalive = 30 * time.Second

	// disconnectGrace is in milliseconds, as Client.Disconnect expects.
	disconnectGrace = 250
)

// await blocks until tok completes, ctx ends, or limit elapses, returning
// the token's error, ctx.Err() or ErrPublishTimeout respectively.  A zero
// limit waits for as long as ctx allows.
func await(ctx context.Context, tok mqtt.Token, limit time.Duration) error {
	var deadline time.Time
	if limit > 0 {
		deadline = time.Now().Add(limit)
	}
	for {
		step := pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrPublishTimeout
			}
			if left < step {
				step = left
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if tok.WaitTimeout(step) {
			return tok.Error()
		}
	}
}

// MQTTPublisher publishes captured SIP messages and dialog reports, each
// to the topic configured for its kind.
type MQTTPublisher struct {
	client mqtt.Client
	opts   MQTTOptions
}

// MQTTOptions controls how the internal mqtt client is created.  SIP
// messages go to Topic and dialog reports to DialogTopic; an empty
// DialogTopic means Topic + "/dialogs".
type MQTTOptions struct {
	Topic       string
	DialogTopic string
	Broker      string
	ClientID    string
	TLSKeyFile  string
	TLSCertFile string
}

// TopicFor returns the topic a message of the given kind is published to.
func (o MQTTOptions) TopicFor(kind string) string {
	if kind != collect.KindDialog {
		return o.Topic
	}
	if o.DialogTopic != "" {
		return o.DialogTopic
	}
	return o.Topic + "/dialogs"
}

// send hands data to the client and waits for the broker's acknowledgement
// until the ctx deadline, or publishTimeout when ctx has none.  An expired
// ctx deadline reports ErrPublishTimeout; cancellation reports ctx.Err().
func (m *MQTTPublisher) send(ctx context.Context, topic string, data []byte) error {
	zerolog.Ctx(ctx).Debug().Str("topic", topic).Int("bytes", len(data)).Msg("publishing to broker")
	tok := m.client.Publish(topic, qosAtLeastOnce, false, data)

	limit := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		limit = time.Until(dl)
	}
	err := await(ctx, tok, limit)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPublishTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	case ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}
}

// Publish sends msg as JSON to the topic for its kind.
func (m *MQTTPublisher) Publish(ctx context.Context, msg *collect.Msg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message %s: %w", msg.Kind, msg.ID, err)
	}
	return m.send(ctx, m.opts.TopicFor(msg.Kind), data)
}

// Connect dials the broker and waits for its answer.  It gives up only when
// ctx ends, so startup can be interrupted while the broker is unreachable.
func (m *MQTTPublisher) Connect(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Debug().Str("broker", m.opts.Broker).Str("client_id", m.opts.ClientID).Msg("connecting to broker")
	if err := await(ctx, m.client.Connect(), 0); err != nil {
		if ctx.Err() != nil {
			log.Debug().Msg("broker connect abandoned")
			return err
		}
		return fmt.Errorf("mqtt connect to %s failed: %w", m.opts.Broker, err)
	}
	log.Debug().Msg("broker connected")
	return nil
}

// Close disconnects from the broker.
func (m *MQTTPublisher) Close() {
	m.client.Disconnect(disconnectGrace)
}

func tlsCfgFromFiles(key, cert string) (*tls.Config, error) {
	certs, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("loading tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{certs}}, nil
}

// NewMQTT creates an MQTTPublisher from the given options.  A TLS keypair
// that cannot be loaded is an error.
func NewMQTT(o MQTTOptions) (*MQTTPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("sipgrep:%v", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetKeepAlive(keepalive)

	if o.TLSKeyFile != "" && o.TLSCertFile != "" {
		cfg, err := tlsCfgFromFiles(o.TLSKeyFile, o.TLSCertFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(cfg)
	}

	return &MQTTPublisher{
		opts:   o,
		client: mqtt.NewClient(opts),
	}, nil
}
