package publisher

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/metrics"
)

// Message is a single MQTT publish request.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// messageClient is the slice of mqtt.Client that MQTTSink needs; tests
// substitute a recorder.
type messageClient interface {
	Publish(msg Message) error
	Disconnect()
}

// MQTTSink publishes each gauge as a retained MQTT message whose payload is
// the decimal value ("NaN" when undefined).
type MQTTSink struct {
	client      messageClient
	prefix      string
	retained    bool
	statusTopic string
}

// NewMQTTSink creates a connected MQTT client and announces the program as
// online. The offline announcement is registered as the Last Will and
// Testament, published by the broker if the client disconnects unexpectedly.
func NewMQTTSink(cfg config.MQTTConfig) (*MQTTSink, error) {
	statusTopic := StatusTopic(cfg.TopicPrefix)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetWill(statusTopic, FormatOffline(), cfg.QOS, true)

	if cfg.TLSCACert != "" {
		tlsCfg, err := newTLSConfig(cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("loading TLS CA cert %q: %w", cfg.TLSCACert, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %q: %w", cfg.Broker, token.Error())
	}

	s := newMQTTSink(&pahoClient{client: client, qos: cfg.QOS}, cfg.TopicPrefix, cfg.Retained)
	if err := s.client.Publish(Message{Topic: statusTopic, Payload: FormatOnline(), Retained: true}); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("publishing online announcement: %w", err)
	}
	return s, nil
}

func newMQTTSink(client messageClient, prefix string, retained bool) *MQTTSink {
	return &MQTTSink{
		client:      client,
		prefix:      prefix,
		retained:    retained,
		statusTopic: StatusTopic(prefix),
	}
}

// SetGauge publishes g to GaugeTopic.
func (s *MQTTSink) SetGauge(g Gauge) error {
	topic, err := GaugeTopic(s.prefix, g)
	if err != nil {
		return err
	}
	return s.client.Publish(Message{
		Topic:    topic,
		Payload:  metrics.FormatValue(g.Value),
		Retained: s.retained,
	})
}

// Close publishes the offline announcement and disconnects from the broker.
func (s *MQTTSink) Close() error {
	err := s.client.Publish(Message{Topic: s.statusTopic, Payload: FormatOffline(), Retained: true})
	s.client.Disconnect()
	if err != nil {
		return fmt.Errorf("publishing offline announcement: %w", err)
	}
	return nil
}

// StatusTopic returns the topic carrying the online/offline announcement.
func StatusTopic(prefix string) string {
	return fmt.Sprintf("%s/status", prefix)
}

// GaugeTopic returns prefix/<label values in family order>/<gauge name>,
// e.g. "plugs/plug-office/smart_plug/plug_measurements_volts". Slashes in
// label values are replaced so they cannot add topic levels.
func GaugeTopic(prefix string, g Gauge) (string, error) {
	values, err := labelValues(g)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(values)+2)
	parts = append(parts, prefix)
	for _, v := range values {
		parts = append(parts, strings.ReplaceAll(v, "/", "_"))
	}
	parts = append(parts, g.Name)
	return strings.Join(parts, "/"), nil
}

// pahoClient adapts mqtt.Client to messageClient.
type pahoClient struct {
	client mqtt.Client
	qos    byte
}

// Publish sends a single MQTT message and waits for the broker to acknowledge.
func (p *pahoClient) Publish(msg Message) error {
	token := p.client.Publish(msg.Topic, p.qos, msg.Retained, msg.Payload)
	token.Wait()
	return token.Error()
}

// Disconnect disconnects from the broker gracefully.
func (p *pahoClient) Disconnect() {
	p.client.Disconnect(250)
}

// newTLSConfig builds a *tls.Config that trusts caFile as an additional CA.
func newTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert from %q", caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}
