package telemetry

import (
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"chargectl/internal/charger"
)

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	prefix string
}

// NewRealPublisher connects to the broker. The availability topic carries a
// retained "online", replaced by the broker with "offline" if the process
// disappears.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	availability := o.TopicPrefix + "/" + TopicAvailability
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetWill(availability, "offline", 1, true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			c.Publish(availability, 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to broker: %w", err)
	}

	return &RealPublisher{client: client, prefix: o.TopicPrefix}, nil
}

func (p *RealPublisher) PublishStatus(s charger.Snapshot) error {
	payload, err := FormatStatus(s)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}
	return p.publish(TopicStatus, 0, true, payload)
}

func (p *RealPublisher) PublishEvent(e Event) error {
	payload, err := FormatEvent(e)
	if err != nil {
		return fmt.Errorf("format event: %w", err)
	}
	// QoS 1: faults must reach the broker.
	return p.publish(TopicEvents, 1, false, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(p.prefix+"/"+topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close marks the charger offline and disconnects from the broker.
func (p *RealPublisher) Close() error {
	token := p.client.Publish(p.prefix+"/"+TopicAvailability, 1, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(1000)
	return nil
}
