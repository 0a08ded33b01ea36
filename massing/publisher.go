package massing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/paulmach/orb/geojson"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// JobResult is the message published when a job finishes.
type JobResult struct {
	ID       string                     `json:"id"`
	Variant  Variant                    `json:"variant"`
	Status   JobStatus                  `json:"status"`
	Error    string                     `json:"error,omitempty"`
	Category string                     `json:"category,omitempty"`
	GeoJSON  *geojson.FeatureCollection `json:"geojson,omitempty"`
}

// Publisher sends job results and service status to the broker.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
}

// NewPublisher creates a publisher under prefix. A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
	}
}

// ResultTopic is where the result of job id is published.
func (p *Publisher) ResultTopic(id string) string {
	return fmt.Sprintf("%s/results/%s", p.publishPrefix, id)
}

// StatusTopic carries the retained status of the latest job.
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// PublishResult publishes res to its result topic. Results are not retained.
func (p *Publisher) PublishResult(res JobResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := p.publish(p.ResultTopic(res.ID), false, payload); err != nil {
		return err
	}
	log.Printf("[MQTT] published %s result for %s (%d bytes)", res.Status, res.ID, len(payload))
	return nil
}

// PublishStatus publishes job as the retained service status.
func (p *Publisher) PublishStatus(job Job) error {
	payload, err := json.Marshal(struct {
		Job
		Timestamp int64 `json:"timestamp"`
	}{job, time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return p.publish(p.StatusTopic(), true, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}
