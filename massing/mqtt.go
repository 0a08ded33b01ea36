package massing

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RequestHandler is called for every message on the request topic. req is
// nil when the payload could not be decoded.
type RequestHandler func(req *Request, err error)

// MQTTClient receives job requests from the broker.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     RequestHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client for config.MQTT. It returns nil, nil when no
// broker is configured. Call Start to connect.
func NewMQTTClient(config *Config, handler RequestHandler) (*MQTTClient, error) {
	if config == nil || config.MQTT.Broker == "" {
		log.Println("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("mqtt: request handler is required")
	}

	c := &MQTTClient{config: config, handler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(config.MQTT.ClientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the subscription across reconnects
	opts.SetOrderMatters(false) // jobs run concurrently

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithMock wraps an existing mqtt.Client, for tests.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler RequestHandler) *MQTTClient {
	return &MQTTClient{client: client, config: config, handler: handler}
}

// Start connects in the background, retrying with exponential backoff.
func (c *MQTTClient) Start() {
	go c.connectWithRetry()
}

func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Printf("[MQTT] connecting to %s...", c.config.MQTT.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the request topic. It also runs after every
// reconnect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.config.MQTT.RequestTopic
	log.Printf("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 0, c.messageHandler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

func (c *MQTTClient) messageHandler(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("[MQTT] request on %s (%d bytes)", msg.Topic(), len(payload))

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.handler(nil, inputErr("request", err))
		return
	}
	c.handler(&req, nil)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
