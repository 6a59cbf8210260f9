// Package amqp implements the AMQP (RabbitMQ) transport of the virtual
// radio. Events are published to the amq.topic exchange using the routing
// keys of the ChirpStack Gateway Bridge, commands are consumed from a queue
// bound to the command routing-key of the gateway.
package amqp

import (
	"bytes"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio/marshaler"
	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/lorawan"
)

const exchange = "amq.topic"

// Backend implements an AMQP transport.
type Backend struct {
	wg     sync.WaitGroup
	chPool *pool

	gatewayID         lorawan.EUI64
	marshaler         marshaler.Type
	commandQueueName  string
	commandRoutingKey string
	eventRoutingKey   *template.Template

	downlinkFrameChan chan gw.DownlinkFrame
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (radio.Transport, error) {
	var err error
	conf := c.Radio.AMQP

	b := Backend{
		gatewayID:         c.Radio.GatewayID,
		downlinkFrameChan: make(chan gw.DownlinkFrame),
	}

	b.marshaler, err = marshaler.ParseType(c.Radio.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "radio/amqp: parse marshaler error")
	}

	b.eventRoutingKey, err = template.New("event").Parse(conf.EventRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "radio/amqp: parse event routing-key template error")
	}

	if b.commandQueueName, err = b.executeTemplate(conf.CommandQueueName, ""); err != nil {
		return nil, errors.Wrap(err, "radio/amqp: command queue name error")
	}
	if b.commandRoutingKey, err = b.executeTemplate(conf.CommandRoutingKeyTemplate, ""); err != nil {
		return nil, errors.Wrap(err, "radio/amqp: command routing-key error")
	}

	log.Info("radio/amqp: connecting to AMQP server")
	b.chPool, err = newPool(10, conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "radio/amqp: new amqp channel pool error")
	}

	if err := b.setupQueue(); err != nil {
		return nil, errors.Wrap(err, "radio/amqp: setup queue error")
	}

	b.wg.Add(1)
	go b.commandLoop()

	return &b, nil
}

func (b *Backend) executeTemplate(tmpl, eventType string) (string, error) {
	t, err := template.New("tmpl").Parse(tmpl)
	if err != nil {
		return "", errors.Wrap(err, "parse template error")
	}
	return b.execute(t, eventType)
}

func (b *Backend) execute(t *template.Template, eventType string) (string, error) {
	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, eventType}); err != nil {
		return "", errors.Wrap(err, "execute template error")
	}
	return buf.String(), nil
}

// SendUplinkFrame publishes the given uplink-frame as up event.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "radio/amqp: marshal uplink frame error")
	}
	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given acknowledgement as ack event.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "radio/amqp: marshal downlink tx ack error")
	}
	return b.publishEvent("ack", bb)
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// Close closes the channel pool, which stops the command consumer, and
// closes the downlink channel.
func (b *Backend) Close() error {
	log.Info("radio/amqp: closing backend")
	err := b.chPool.close()
	b.wg.Wait()
	close(b.downlinkFrameChan)
	return err
}

func (b *Backend) publishEvent(event string, data []byte) error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}
	defer ch.close()

	routingKey, err := b.execute(b.eventRoutingKey, event)
	if err != nil {
		return errors.Wrap(err, "event routing-key error")
	}

	log.WithFields(log.Fields{
		"gateway_id":  b.gatewayID,
		"event":       event,
		"routing_key": routingKey,
	}).Info("radio/amqp: publishing event")

	amqpEventCounter(event).Inc()

	err = ch.ch.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: b.marshaler.ContentType(),
			Body:        data,
		},
	)
	if err != nil {
		ch.markUnusable()
		return errors.Wrap(err, "publish message error")
	}

	return nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "open channel error")
	}
	defer ch.close()

	_, err = ch.ch.QueueDeclare(
		b.commandQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.ch.QueueBind(
		b.commandQueueName,
		b.commandRoutingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) commandLoop() {
	defer b.wg.Done()

	for {
		err := func() error {
			ch, err := b.chPool.get()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}
			defer ch.close()

			log.WithField("queue", b.commandQueueName).Info("radio/amqp: start consuming gateway commands")

			msgs, err := ch.ch.Consume(
				b.commandQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				ch.markUnusable()
				return errors.Wrap(err, "register consumer error")
			}

			for msg := range msgs {
				routing := strings.Split(msg.RoutingKey, ".")
				command := routing[len(routing)-1]
				amqpCommandCounter(command).Inc()

				if command != "down" {
					log.WithFields(log.Fields{
						"routing_key": msg.RoutingKey,
						"command":     command,
					}).Debug("radio/amqp: ignoring command")
					continue
				}

				if err := b.handleDownlinkFrame(msg); err != nil {
					log.WithError(err).WithField("routing_key", msg.RoutingKey).Error("radio/amqp: handle command error")
				}
			}

			// the delivery channel is closed when the connection closes
			ch.markUnusable()
			return nil
		}()

		if _, conn := b.chPool.getChansAndConn(); conn == nil {
			return
		}
		if err != nil {
			if errors.Cause(err) == errClosed {
				return
			}
			log.WithError(err).Error("radio/amqp: command loop error")
			time.Sleep(time.Second)
		}
	}
}

func (b *Backend) handleDownlinkFrame(msg amqp.Delivery) error {
	var df gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(msg.Body, &df); err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	log.WithFields(log.Fields{
		"gateway_id":  b.gatewayID,
		"routing_key": msg.RoutingKey,
	}).Info("radio/amqp: downlink frame received")

	b.downlinkFrameChan <- df
	return nil
}
