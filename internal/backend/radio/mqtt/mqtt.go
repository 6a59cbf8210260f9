// Package mqtt implements the MQTT transport of the virtual radio, using the
// topics of the ChirpStack Gateway Bridge.
package mqtt

import (
	"bytes"
	"encoding/base64"
	"strings"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/tls"
	"github.com/brocaar/lorawan"
)

// Backend implements a MQTT transport.
type Backend struct {
	wg sync.WaitGroup

	gatewayID lorawan.EUI64
	qos       uint8
	marshaler marshaler.Type

	conn              paho.Client
	eventTemplate     *template.Template
	commandTopic      string
	downlinkFrameChan chan gw.DownlinkFrame

	closedMux sync.RWMutex
	closed    bool
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Transport, error) {
	var err error
	conf := c.Radio.MQTT

	b := Backend{
		gatewayID:         c.Radio.GatewayID,
		qos:               conf.QOS,
		downlinkFrameChan: make(chan gw.DownlinkFrame),
	}

	b.marshaler, err = marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "radio/mqtt: parse marshaler error")
	}

	b.eventTemplate, err = template.New("event").Parse(conf.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "radio/mqtt: parse event topic template error")
	}

	commandTemplate, err := template.New("command").Parse(conf.CommandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "radio/mqtt: parse command topic template error")
	}
	topic := bytes.NewBuffer(nil)
	if err := commandTemplate.Execute(topic, struct{ GatewayID lorawan.EUI64 }{b.gatewayID}); err != nil {
		return nil, errors.Wrap(err, "radio/mqtt: execute command topic template error")
	}
	b.commandTopic = topic.String()

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetAutoReconnect(true)
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	tlsconfig, err := tls.ClientConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "radio/mqtt: load mqtt certificate files error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("radio/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).Error("radio/mqtt: connecting to mqtt broker failed, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// Close unsubscribes from the command topic and closes the downlink channel
// once the pending messages are handled.
func (b *Backend) Close() error {
	log.Info("radio/mqtt: closing backend")

	b.closedMux.Lock()
	b.closed = true
	b.closedMux.Unlock()

	log.WithField("topic", b.commandTopic).Info("radio/mqtt: unsubscribing from command topic")
	if token := b.conn.Unsubscribe(b.commandTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "radio/mqtt: unsubscribe from %s error", b.commandTopic)
	}

	log.Info("radio/mqtt: handling last messages")
	b.wg.Wait()
	close(b.downlinkFrameChan)
	b.conn.Disconnect(250)
	return nil
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// SendUplinkFrame publishes the given uplink-frame as up event.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "radio/mqtt: marshal uplink frame error")
	}
	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given acknowledgement as ack event.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "radio/mqtt: marshal downlink tx ack error")
	}
	return b.publishEvent("ack", bb)
}

func (b *Backend) publishEvent(event string, bb []byte) error {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTemplate.Execute(topic, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, event}); err != nil {
		return errors.Wrap(err, "radio/mqtt: execute event template error")
	}

	log.WithFields(log.Fields{
		"topic": topic.String(),
		"qos":   b.qos,
		"event": event,
	}).Info("radio/mqtt: publishing event")

	mqttEventCounter(event).Inc()
	if token := b.conn.Publish(topic.String(), b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "radio/mqtt: publish event error")
	}
	return nil
}

func (b *Backend) commandHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	b.closedMux.RLock()
	closed := b.closed
	b.closedMux.RUnlock()
	if closed {
		return
	}

	command := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	mqttCommandCounter(command).Inc()

	if command != "down" {
		log.WithFields(log.Fields{
			"topic":   msg.Topic(),
			"command": command,
		}).Debug("radio/mqtt: ignoring command")
		return
	}

	var df gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(msg.Payload(), &df); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("radio/mqtt: unmarshal downlink frame error")
		return
	}

	log.WithField("topic", msg.Topic()).Info("radio/mqtt: downlink frame received")
	b.downlinkFrameChan <- df
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("radio/mqtt: connected to mqtt broker")

	for {
		log.WithFields(log.Fields{
			"topic": b.commandTopic,
			"qos":   b.qos,
		}).Info("radio/mqtt: subscribing to command topic")
		if token := b.conn.Subscribe(b.commandTopic, b.qos, b.commandHandler); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).WithFields(log.Fields{
				"topic": b.commandTopic,
				"qos":   b.qos,
			}).Error("radio/mqtt: subscribe error")
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.WithError(reason).Error("radio/mqtt: mqtt connection error")
}
