package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/levitree/vfdgw/internal/registry"
)

// mqttPublishInterval matches the WebSocket broadcast cadence; MQTT is a
// secondary telemetry egress, not a command channel (spec.md §1 keeps the
// HTTP surface as the sole command path).
const mqttPublishInterval = 200 * time.Millisecond

// NewMQTTClient dials broker with a client id derived from the process,
// mirroring the teacher's paho setup but without a subscribed command
// topic — this gateway's only command surface is HTTP.
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("adapter: mqtt connect: %w", err)
	}
	return client, nil
}

// RunMQTTPublisher republishes the same composite {id: DriveState} snapshot
// the WebSocket push serializes, to "<topicPrefix>/state" at QoS 1 without
// retention, on the same 200ms cadence, until ctx is canceled. It never
// returns a transport error: a failed publish is logged and the loop
// continues, matching the "nothing is fatal below the process" recovery
// policy (spec.md §7).
func RunMQTTPublisher(ctx context.Context, reg *registry.Registry, client mqtt.Client, topicPrefix string) {
	topic := fmt.Sprintf("%s/state", topicPrefix)
	ticker := time.NewTicker(mqttPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := make(map[string]any, len(reg.IDs()))
			for _, id := range reg.IDs() {
				if st, err := reg.State(id); err == nil {
					snapshot[id] = st
				}
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			token := client.Publish(topic, 1, false, payload)
			if !token.WaitTimeout(mqttPublishInterval) {
				log.Printf("adapter: mqtt publish to %s timed out", topic)
				continue
			}
			if err := token.Error(); err != nil {
				log.Printf("adapter: mqtt publish to %s failed: %v", topic, err)
			}
		}
	}
}
