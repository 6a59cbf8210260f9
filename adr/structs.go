// Package adr defines the interface of the device-side ADR handlers. A
// handler can be implemented as go-plugin, see examples/adr-plugin.
package adr

import (
	"net/rpc"

	"github.com/brocaar/lorawan"
	"github.com/hashicorp/go-plugin"
)

// HandshakeConfig for ADR plugins.
var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DEVICE_ADR_PLUGIN",
	MagicCookieValue: "DEVICE_ADR_PLUGIN",
}

// Handler defines the ADR handler interface.
type Handler interface {
	ID() (string, error)
	Name() (string, error)
	Handle(HandleRequest) (HandleResponse, error)
}

// HandleRequest implements the ADR handle request. It is called before every
// new uplink (not for retransmissions).
type HandleRequest struct {
	// Region.
	Region string

	// DevEUI of the device.
	DevEUI lorawan.EUI64

	// MAC version of the device.
	MACVersion string

	// ADR defines if the device has ADR enabled.
	ADR bool

	// DR holds the current uplink data-rate.
	DR int

	// TxPowerIndex holds the current tx-power index.
	TxPowerIndex int

	// NbTrans holds the current number of transmissions per uplink.
	NbTrans int

	// AdrAckCounter holds the number of uplinks since the last downlink.
	AdrAckCounter uint32

	// ADRAckLimit and ADRAckDelay define the ADR back-off.
	ADRAckLimit int
	ADRAckDelay int

	// MinDR defines the min. allowed uplink data-rate.
	MinDR int

	// MaxDR defines the max. allowed uplink data-rate.
	MaxDR int

	// DefaultTxPowerIndex holds the default (max. output power) tx-power
	// index.
	DefaultTxPowerIndex int

	// MaxTxPowerIndex defines the max allowed tx-power index (min. output
	// power).
	MaxTxPowerIndex int
}

// HandleResponse implements the ADR handle response.
type HandleResponse struct {
	// DR holds the data-rate to use.
	DR int

	// TxPowerIndex holds the tx-power index to use.
	TxPowerIndex int

	// NbTrans holds the number of transmissions to use.
	NbTrans int

	// AdrAckCounter holds the (updated) ADR ack counter.
	AdrAckCounter uint32

	// AdrAckReq defines if the ADRACKReq bit must be set.
	AdrAckReq bool

	// RestoreDefaultChannels defines if the default channels must be
	// re-enabled.
	RestoreDefaultChannels bool
}

// HandlerRPCServer implements the RPC server for the Handler interface.
type HandlerRPCServer struct {
	// Impl holds the interface implementation.
	Impl Handler
}

func (s *HandlerRPCServer) ID(req interface{}, resp *string) error {
	var err error
	*resp, err = s.Impl.ID()
	return err
}

func (s *HandlerRPCServer) Name(req interface{}, resp *string) error {
	var err error
	*resp, err = s.Impl.Name()
	return err
}

func (s *HandlerRPCServer) Handle(req HandleRequest, resp *HandleResponse) error {
	var err error
	*resp, err = s.Impl.Handle(req)
	return err
}

// HandlerRPC implements the RPC client for the Handler interface.
type HandlerRPC struct {
	client *rpc.Client
}

func (r *HandlerRPC) ID() (string, error) {
	var resp string
	err := r.client.Call("Plugin.ID", new(interface{}), &resp)
	return resp, err
}

func (r *HandlerRPC) Name() (string, error) {
	var resp string
	err := r.client.Call("Plugin.Name", new(interface{}), &resp)
	return resp, err
}

func (r *HandlerRPC) Handle(req HandleRequest) (HandleResponse, error) {
	var resp HandleResponse
	err := r.client.Call("Plugin.Handle", req, &resp)
	return resp, err
}

// HandlerPlugin implements plugin.Plugin.
type HandlerPlugin struct {
	// Impl holds the interface implementation.
	Impl Handler
}

func (p *HandlerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &HandlerRPCServer{Impl: p.Impl}, nil
}

func (p *HandlerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &HandlerRPC{client: c}, nil
}
