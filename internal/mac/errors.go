package mac

import (
	"github.com/pkg/errors"
)

// errors
var (
	ErrParameterInvalid       = errors.New("parameter invalid")
	ErrBusy                   = errors.New("mac layer is busy")
	ErrServiceUnknown         = errors.New("service unknown")
	ErrCrypto                 = errors.New("crypto error")
	ErrMACCommand             = errors.New("mac-command error")
	ErrLength                 = errors.New("payload length error")
	ErrDutyCycleRestricted    = errors.New("duty-cycle restricted")
	ErrRegionNotSupported     = errors.New("region not supported")
	ErrNVMDataInconsistent    = errors.New("nvm data inconsistent")
	ErrNoNetworkJoined        = errors.New("no network joined")
	ErrSkippedAppData         = errors.New("application payload skipped")
	ErrFCntHandler            = errors.New("frame-counter handler error")
	ErrStopped                = errors.New("mac layer is stopped")
	ErrUplinkCollision        = errors.New("uplink collides with class-b window")
	ErrBusyBeaconReservedTime = errors.New("busy, beacon reserved time")
	ErrBusyPingSlotWindowTime = errors.New("busy, ping-slot window time")
	ErrNoFreeChannelFound     = errors.New("no free channel found")
	ErrDatarateInvalid        = errors.New("data-rate invalid")
)
