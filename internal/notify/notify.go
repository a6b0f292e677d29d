// Package notify announces completed import runs over MQTT so dashboards
// can refresh without polling. The notifier is optional; without a broker
// address the application simply never constructs one.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rentwatch/server/internal/model"
)

// Notifier publishes version markers to a fixed topic.
type Notifier struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// New connects to the broker and returns a ready notifier.
func New(brokerAddr, topic string, logger *slog.Logger) (*Notifier, error) {
	clientID := fmt.Sprintf("rentwatch-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", brokerAddr, token.Error())
	}
	logger.Info("connected to MQTT broker", "broker", brokerAddr, "client_id", clientID)

	return &Notifier{client: client, topic: topic, logger: logger}, nil
}

// RunCompleted publishes the marker of a committed run. Publish failures
// are logged, never fatal: the run itself has already committed.
func (n *Notifier) RunCompleted(marker model.VersionMarker) {
	data, err := json.Marshal(marker)
	if err != nil {
		n.logger.Error("failed to encode run notification", "error", err)
		return
	}

	token := n.client.Publish(n.topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		n.logger.Error("failed to publish run notification", "topic", n.topic, "error", err)
		return
	}
	n.logger.Info("published run notification", "topic", n.topic, "week", marker.WeekID)
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.client.Disconnect(250)
}
