// Package telemetry publishes the per-cycle throttle decision to an MQTT
// broker for the roadside display and fleet dashboards.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/monitoring"
)

const (
	DefaultTopic     = "roadcast/control/speed/A"
	DefaultQueueSize = 16
	publishQoS       = 1
	publishTimeout   = 5 * time.Second
	connectTimeout   = 10 * time.Second
)

// Payload is the JSON body of one telemetry message.
type Payload struct {
	SpeedCap    float64 `json:"speed_cap"`
	ThrottleCmd float64 `json:"throttle_cmd"`
	Misop       int     `json:"misop"`
}

// PayloadFor extracts the published fields from a cycle record.
func PayloadFor(r cyclelog.Record) Payload {
	p := Payload{SpeedCap: r.Cap, ThrottleCmd: r.CommandedPercent}
	if r.Misoperation {
		p.Misop = 1
	}
	return p
}

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Options configures DialMQTT.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTPublisher queues payloads from the control loop and publishes them
// from its own goroutine. Publish never blocks; when the queue is full the
// record is dropped and counted.
type MQTTPublisher struct {
	client Client
	topic  string
	queue  chan []byte

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(client Client, topic string, queueSize int) *MQTTPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MQTTPublisher{
		client: client,
		topic:  topic,
		queue:  make(chan []byte, queueSize),
	}
}

// DialMQTT connects to the broker and returns a publisher. Run must be
// started to drain the queue.
func DialMQTT(opts Options) (*MQTTPublisher, error) {
	brokerURL, err := NormalizeBroker(opts.Broker)
	if err != nil {
		return nil, err
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(brokerURL)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("pedal-guard-%d", time.Now().Unix())
	}
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetConnectTimeout(connectTimeout)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		monitoring.Logf("[MQTT] connected to %s", brokerURL)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Logf("[MQTT] connection lost: %v (will auto-reconnect)", err)
	}
	co.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		monitoring.Debugf("[MQTT] reconnecting")
	}

	client := mqtt.NewClient(co)
	monitoring.Logf("[MQTT] connecting to %s as %s", brokerURL, clientID)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}
	return NewMQTTPublisher(client, opts.Topic, DefaultQueueSize), nil
}

// Publish enqueues the payload for r.
func (p *MQTTPublisher) Publish(r cyclelog.Record) {
	body, err := json.Marshal(PayloadFor(r))
	if err != nil {
		p.failed.Add(1)
		return
	}
	select {
	case p.queue <- body:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes queued payloads until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-p.queue:
			p.send(body)
		}
	}
}

func (p *MQTTPublisher) send(body []byte) {
	token := p.client.Publish(p.topic, publishQoS, false, body)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		monitoring.Debugf("[MQTT] publish to %s timed out", p.topic)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		monitoring.Logf("[MQTT] publish to %s: %v", p.topic, err)
		return
	}
	p.published.Add(1)
}

// Stats reports published, dropped and failed message counts.
func (p *MQTTPublisher) Stats() (published, dropped, failed int64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close disconnects from the broker, allowing a short quiesce period.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// NormalizeBroker turns "host", "host:port" or a URL into a paho broker
// URL. The port defaults to 1883 (8883 for TLS).
func NormalizeBroker(broker string) (string, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return "", fmt.Errorf("empty mqtt broker")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("parse mqtt broker %q: %w", broker, err)
	}
	scheme := u.Scheme
	switch scheme {
	case "mqtt", "tcp":
		scheme = "tcp"
	case "ssl", "tls", "mqtts":
		scheme = "ssl"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("mqtt broker %q has no host", broker)
	}
	port := u.Port()
	if port == "" {
		port = "1883"
		if scheme == "ssl" {
			port = "8883"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
