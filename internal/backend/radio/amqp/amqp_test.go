package amqp

import (
	"os"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-mac/internal/backend/radio"
	"github.com/brocaar/chirpstack-device-mac/internal/test"
)

type BackendTestSuite struct {
	suite.Suite

	backend radio.Transport

	amqpConn      *amqp.Connection
	amqpChannel   *amqp.Channel
	amqpEventChan <-chan amqp.Delivery
}

func (ts *BackendTestSuite) SetupSuite() {
	var err error
	assert := require.New(ts.T())
	conf := test.GetConfig()

	ts.backend, err = NewBackend(conf)
	assert.NoError(err)

	ts.amqpConn, err = amqp.Dial(conf.Radio.AMQP.URL)
	assert.NoError(err)

	ts.amqpChannel, err = ts.amqpConn.Channel()
	assert.NoError(err)

	_, err = ts.amqpChannel.QueueDeclare(
		"test-event-queue",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)

	err = ts.amqpChannel.QueueBind(
		"test-event-queue",
		"gateway.*.event.*",
		"amq.topic",
		false,
		nil,
	)
	assert.NoError(err)

	ts.amqpEventChan, err = ts.amqpChannel.Consume(
		"test-event-queue",
		"",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)
}

func (ts *BackendTestSuite) TearDownSuite() {
	assert := require.New(ts.T())

	assert.NoError(ts.amqpConn.Close())
	assert.NoError(ts.backend.Close())
}

func (ts *BackendTestSuite) TestUplinkEvent() {
	assert := require.New(ts.T())

	up := gw.UplinkFrame{
		PhyPayload: []byte{0x01, 0x02, 0x03, 0x04},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: []byte{1, 1, 1, 1, 1, 1, 1, 1},
		},
		TxInfo: &gw.UplinkTXInfo{
			Frequency: 868100000,
		},
	}
	assert.NoError(ts.backend.SendUplinkFrame(up))

	received := <-ts.amqpEventChan
	assert.Equal("gateway.0101010101010101.event.up", received.RoutingKey)
	assert.Equal("application/octet-stream", received.ContentType)

	var receivedPL gw.UplinkFrame
	assert.NoError(proto.Unmarshal(received.Body, &receivedPL))
	assert.True(proto.Equal(&up, &receivedPL))
}

func (ts *BackendTestSuite) TestDownlinkCommand() {
	assert := require.New(ts.T())

	pl := gw.DownlinkFrame{
		GatewayId: []byte{1, 1, 1, 1, 1, 1, 1, 1},
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: []byte{0x01, 0x02, 0x03, 0x04},
				TxInfo:     &gw.DownlinkTXInfo{},
			},
		},
	}
	b, err := proto.Marshal(&pl)
	assert.NoError(err)

	err = ts.amqpChannel.Publish(
		"amq.topic",
		"gateway.0101010101010101.command.down",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        b,
		},
	)
	assert.NoError(err)

	received := <-ts.backend.DownlinkFrameChan()
	assert.True(proto.Equal(&pl, &received))
}

func TestBackend(t *testing.T) {
	if os.Getenv("TEST_RABBITMQ_URL") == "" {
		t.Skip("TEST_RABBITMQ_URL is not set")
	}
	suite.Run(t, new(BackendTestSuite))
}
