package events

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"remote-access-service/internal/debounce"
)

// Publisher is the minimal broker surface the sink needs. It enables unit
// testing without a live broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSink publishes each flushed telemetry batch as one JSON message on
// remote/telemetry/<deviceID>, for downstream consumers (AI turn triggers,
// history ingestion).
type MQTTSink struct {
	pub Publisher
}

func NewMQTTSink(pub Publisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

type batchMessage struct {
	DeviceID string           `json:"device_id"`
	Count    int              `json:"count"`
	Events   []debounce.Event `json:"events"`
	At       time.Time        `json:"at"`
}

func (s *MQTTSink) Flush(streamID string, events []debounce.Event) {
	msg := batchMessage{
		DeviceID: streamID,
		Count:    len(events),
		Events:   events,
		At:       time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("telemetry batch marshal failed", "device_id", streamID, "error", err)
		return
	}
	if err := s.pub.Publish("remote/telemetry/"+streamID, payload); err != nil {
		slog.Error("telemetry publish failed", "device_id", streamID, "error", err)
	}
}

// LogSink is the fallback when no broker is configured.
type LogSink struct{}

func (LogSink) Flush(streamID string, events []debounce.Event) {
	slog.Info("telemetry batch", "device_id", streamID, "events", len(events))
}

// Client wraps the paho client behind the Publisher interface.
type Client struct {
	cli mqtt.Client
}

func Connect(brokerURL string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID("remote-access-" + time.Now().Format("150405.000"))
	opts.OnConnect = func(mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, t.Error()
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, 0, false, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Close() {
	c.cli.Disconnect(250)
}
