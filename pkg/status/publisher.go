// Package status mirrors hub events to an MQTT broker for dashboards.
package status

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rcdrive/pkg/engine"
	"rcdrive/pkg/logger"
)

// Client is the slice of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Connect starts a client that keeps retrying in the background; it never
// waits for the broker.
func Connect(cfg Config, log *logger.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.OnConnect = func(mqtt.Client) {
		log.Infof("connected to MQTT broker %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Errorf("MQTT connect to %s failed: %v", cfg.Broker, token.Error())
		}
	}()
	return client
}

type Publisher struct {
	client  Client
	topic   string
	qos     byte
	log     *logger.Logger
	timeout time.Duration

	snapshot stateSnapshot
}

type eventPayload struct {
	TS      string   `json:"ts"`
	Kind    string   `json:"kind"`
	Source  string   `json:"source,omitempty"`
	Session string   `json:"session,omitempty"`
	State   string   `json:"state,omitempty"`
	Linear  *float64 `json:"linear,omitempty"`
	Angular *float64 `json:"angular,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

type stateSnapshot struct {
	TS     string `json:"ts"`
	State  string `json:"state"`
	LinkOK bool   `json:"link_ok"`
}

func NewPublisher(client Client, topic string, qos byte, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		client:   client,
		topic:    topic,
		qos:      qos,
		log:      log,
		timeout:  time.Second,
		snapshot: stateSnapshot{State: "READY", LinkOK: true},
	}
}

func (p *Publisher) Consume(ctx context.Context, in <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			p.Publish(ev)
		}
	}
}

// Publish sends ev to <topic>/event. State reports and link health changes
// also refresh the retained <topic>/state snapshot.
func (p *Publisher) Publish(ev engine.Event) {
	ts := ev.Time.UTC().Format(time.RFC3339Nano)
	payload := eventPayload{
		TS:      ts,
		Kind:    string(ev.Kind),
		Source:  ev.Source,
		Session: ev.Session,
		Detail:  ev.Detail,
	}
	switch ev.Kind {
	case engine.EventCommand, engine.EventWatchdogExpired:
		linear, angular := ev.Command.Linear, ev.Command.Angular
		payload.Linear = &linear
		payload.Angular = &angular
	case engine.EventStateReport, engine.EventToggle:
		payload.State = ev.State.String()
	}
	p.send(p.topic+"/event", false, payload)

	switch ev.Kind {
	case engine.EventStateReport:
		p.snapshot.State = ev.State.String()
	case engine.EventLinkDegraded:
		p.snapshot.LinkOK = ev.LinkOK
	default:
		return
	}
	p.snapshot.TS = ts
	p.send(p.topic+"/state", true, p.snapshot)
}

func (p *Publisher) send(topic string, retained bool, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	token := p.client.Publish(topic, p.qos, retained, body)
	if !token.WaitTimeout(p.timeout) {
		p.log.Debugf("MQTT publish to %s still pending", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Debugf("MQTT publish to %s failed: %v", topic, err)
	}
}
