// Tests for mqtt.go: in package publisher (not publisher_test) so that
// unexported helpers like newTLSConfig are accessible.
package publisher

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/metrics"
)

// makeTempCACert writes a self-signed CA certificate to a temp file and
// returns its path (caller is responsible for cleanup).
func makeTempCACert(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating cert: %v", err)
	}
	f, err := os.CreateTemp("", "test-ca-*.pem")
	if err != nil {
		t.Fatalf("creating temp cert file: %v", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
	f.Close() //nolint:errcheck
	return f.Name()
}

// ── newTLSConfig ─────────────────────────────────────────────────────────────

func TestNewTLSConfig_NonexistentFile(t *testing.T) {
	_, err := newTLSConfig("/nonexistent/ca.pem")
	if err == nil {
		t.Fatal("expected error for non-existent CA cert file")
	}
}

func TestNewTLSConfig_InvalidPEM(t *testing.T) {
	f, err := os.CreateTemp("", "bad-ca-*.pem")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString("this is not a valid PEM certificate") //nolint:errcheck
	f.Close()                                            //nolint:errcheck

	_, err = newTLSConfig(f.Name())
	if err == nil {
		t.Fatal("expected error for file with no valid PEM blocks")
	}
}

func TestNewTLSConfig_ValidCert(t *testing.T) {
	path := makeTempCACert(t)
	defer os.Remove(path)

	cfg, err := newTLSConfig(path)
	if err != nil {
		t.Fatalf("newTLSConfig: %v", err)
	}
	if cfg == nil || cfg.RootCAs == nil {
		t.Error("expected non-nil tls.Config with RootCAs set")
	}
}

// ── NewMQTTSink ──────────────────────────────────────────────────────────────

// TestNewMQTTSink_TLSCertError verifies the error path when the TLS CA
// cert file cannot be loaded.
func TestNewMQTTSink_TLSCertError(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "test",
		TopicPrefix: "plugs",
		TLSCACert:   "/nonexistent/ca.pem",
	}
	if _, err := NewMQTTSink(cfg); err == nil {
		t.Fatal("expected error when TLS CA cert file does not exist")
	}
}

// TestNewMQTTSink_WithCredentials_TLSError verifies that username/password
// are applied and a subsequent TLS error is returned cleanly.
func TestNewMQTTSink_WithCredentials_TLSError(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:    "tcp://127.0.0.1:1883",
		ClientID:  "test",
		Username:  "user",
		Password:  "pass",
		TLSCACert: "/nonexistent/ca.pem",
	}
	if _, err := NewMQTTSink(cfg); err == nil {
		t.Fatal("expected TLS error even with credentials set")
	}
}

// ── MQTTSink ─────────────────────────────────────────────────────────────────

// recordingClient is a messageClient that keeps every message.
type recordingClient struct {
	messages     []Message
	err          error
	disconnected bool
}

func (r *recordingClient) Publish(msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingClient) Disconnect() { r.disconnected = true }

func (r *recordingClient) find(topic string) (Message, bool) {
	for _, m := range r.messages {
		if m.Topic == topic {
			return m, true
		}
	}
	return Message{}, false
}

func TestMQTTSink_PublishReading(t *testing.T) {
	rec := &recordingClient{}
	sink := newMQTTSink(rec, "plugs", true)

	if err := PublishReading(sink, "plug-office", metrics.Reading{Voltage: 230, Current: 0.5, Power: 115}); err != nil {
		t.Fatalf("PublishReading: %v", err)
	}
	if len(rec.messages) != 3 {
		t.Fatalf("published %d messages, want 3", len(rec.messages))
	}
	msg, ok := rec.find("plugs/plug-office/smart_plug/plug_measurements_volts")
	if !ok {
		t.Fatal("volts topic not published")
	}
	if msg.Payload != "230" {
		t.Errorf("payload = %q, want 230", msg.Payload)
	}
	if !msg.Retained {
		t.Error("message should be retained")
	}
	if msg, _ := rec.find("plugs/plug-office/smart_plug/plug_measurements_amperes"); msg.Payload != "0.5" {
		t.Errorf("amperes payload = %q, want 0.5", msg.Payload)
	}
}

func TestMQTTSink_UndefinedPublishesNaN(t *testing.T) {
	rec := &recordingClient{}
	sink := newMQTTSink(rec, "plugs", false)

	if err := PublishUndefined(sink, "plug-office"); err != nil {
		t.Fatalf("PublishUndefined: %v", err)
	}
	for _, m := range rec.messages {
		if m.Payload != "NaN" {
			t.Errorf("%s = %q, want NaN", m.Topic, m.Payload)
		}
		if m.Retained {
			t.Errorf("%s retained, want not retained", m.Topic)
		}
	}
}

func TestMQTTSink_Close_AnnouncesOffline(t *testing.T) {
	rec := &recordingClient{}
	sink := newMQTTSink(rec, "plugs", true)

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	msg, ok := rec.find("plugs/status")
	if !ok {
		t.Fatal("offline announcement not published")
	}
	if !strings.Contains(msg.Payload, `"online":false`) {
		t.Errorf("payload = %q, want online:false", msg.Payload)
	}
	if !rec.disconnected {
		t.Error("Close should disconnect the client")
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	rec := &recordingClient{err: errors.New("broker down")}
	sink := newMQTTSink(rec, "plugs", true)
	if err := PublishReading(sink, "plug-office", metrics.Undefined()); err == nil {
		t.Fatal("expected publish error")
	}
}

// ── GaugeTopic ───────────────────────────────────────────────────────────────

func TestGaugeTopic(t *testing.T) {
	cases := []struct {
		g    Gauge
		want string
	}{
		{
			Gauge{Name: metrics.PlugWatts, Labels: PlugLabels("plug-office")},
			"plugs/plug-office/smart_plug/plug_measurements_watts",
		},
		{
			Gauge{Name: metrics.PlugWatts, Labels: PlugLabels("a/b")},
			"plugs/a_b/smart_plug/plug_measurements_watts",
		},
		{
			Gauge{Name: metrics.BulbHue, Labels: BulbLabels("lounge", "lamp", "LIFX A19")},
			"plugs/lounge/lamp/LIFX A19/smart_bulb/bulb_measurements_hue",
		},
	}
	for _, tc := range cases {
		got, err := GaugeTopic("plugs", tc.g)
		if err != nil {
			t.Fatalf("GaugeTopic(%+v): %v", tc.g, err)
		}
		if got != tc.want {
			t.Errorf("GaugeTopic = %q, want %q", got, tc.want)
		}
	}
}

func TestGaugeTopic_Errors(t *testing.T) {
	if _, err := GaugeTopic("plugs", Gauge{Name: "nope"}); err == nil {
		t.Error("unknown gauge should fail")
	}
	if _, err := GaugeTopic("plugs", Gauge{Name: metrics.PlugVolts, Labels: map[string]string{"location": "x"}}); err == nil {
		t.Error("missing label should fail")
	}
}
