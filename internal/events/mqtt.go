package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// Publisher is the part of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures the broker connection and publishing.
type MQTTOptions struct {
	Broker         string
	ClientID       string // generated when empty
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	TopicPrefix    string
	QoS            byte
}

func (o MQTTOptions) withDefaults() MQTTOptions {
	if o.ClientID == "" {
		o.ClientID = "serialbridge-" + uuid.NewString()
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = "serialbridge/read"
	}
	return o
}

// DialMQTT connects to the broker in opts.
func DialMQTT(opts MQTTOptions) (mqtt.Client, error) {
	opts = opts.withDefaults()
	p := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true)
	if opts.Username != "" {
		p.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		p.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(p)
	tok := client.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}
	return client, nil
}

// MQTTSink publishes each event as JSON to <prefix>/<port>. Emit never waits
// on the broker: a publish still in flight is tracked in the background and
// its failure is logged.
type MQTTSink struct {
	pub     Publisher
	prefix  string
	qos     byte
	timeout time.Duration

	inflight sync.WaitGroup
}

func NewMQTTSink(pub Publisher, opts MQTTOptions) *MQTTSink {
	opts = opts.withDefaults()
	return &MQTTSink{
		pub:     pub,
		prefix:  strings.TrimSuffix(opts.TopicPrefix, "/"),
		qos:     opts.QoS,
		timeout: opts.PublishTimeout,
	}
}

// Topic returns the topic events for port are published on. MQTT wildcards
// in the identifier are replaced.
func (s *MQTTSink) Topic(port string) string {
	id := strings.Trim(port, "/")
	id = strings.NewReplacer("+", "_", "#", "_").Replace(id)
	return s.prefix + "/" + id
}

func (s *MQTTSink) Emit(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := s.Topic(ev.Port)
	tok := s.pub.Publish(topic, s.qos, false, payload)
	select {
	case <-tok.Done():
		return publishError(topic, tok.Error())
	default:
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		log := monitoring.Logger()
		if !tok.WaitTimeout(s.timeout) {
			log.Warn().Str("topic", topic).Dur("timeout", s.timeout).Msg("mqtt publish timed out")
			return
		}
		if err := publishError(topic, tok.Error()); err != nil {
			log.Warn().Err(err).Msg("mqtt publish failed")
		}
	}()
	return nil
}

// Flush waits for publishes still in flight to complete or time out.
func (s *MQTTSink) Flush() {
	s.inflight.Wait()
}

func publishError(topic string, err error) error {
	if err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}
