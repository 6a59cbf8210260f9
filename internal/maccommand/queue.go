package maccommand

import (
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// DefaultQueueSize defines the default max. serialized size (in bytes) of
// the queue.
const DefaultQueueSize = 128

// errors
var (
	ErrQueueFull = errors.New("mac-command queue is full")
)

// stickyCIDs holds the answers which must be repeated in every uplink until
// a class A downlink has been received.
var stickyCIDs = map[lorawan.CID]struct{}{
	lorawan.RXParamSetupAns:  {},
	lorawan.RXTimingSetupAns: {},
	lorawan.DLChannelAns:     {},
}

// IsSticky returns true when the given (uplink) CID is a sticky answer.
func IsSticky(cid lorawan.CID) bool {
	_, ok := stickyCIDs[cid]
	return ok
}

type queueItem struct {
	cmd    lorawan.MACCommand
	size   int
	sticky bool
}

// Queue holds the uplink mac-commands awaiting transmission, in the order
// they were added.
type Queue struct {
	items   []queueItem
	maxSize int
}

// NewQueue creates a new Queue of the given max. serialized size.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &Queue{
		maxSize: maxSize,
	}
}

// Add adds the given mac-command to the queue.
func (q *Queue) Add(cmd lorawan.MACCommand) error {
	b, err := cmd.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal mac-command error")
	}

	if q.Size()+len(b) > q.maxSize {
		return errors.Wrapf(ErrQueueFull, "cid %s", cmd.CID)
	}

	q.items = append(q.items, queueItem{
		cmd:    cmd,
		size:   len(b),
		sticky: IsSticky(cmd.CID),
	})
	return nil
}

// Remove removes the first mac-command with the given CID. It returns false
// when no such mac-command is queued.
func (q *Queue) Remove(cid lorawan.CID) bool {
	for i := range q.items {
		if q.items[i].cmd.CID == cid {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Contains returns true when a mac-command with the given CID is queued.
func (q *Queue) Contains(cid lorawan.CID) bool {
	for i := range q.items {
		if q.items[i].cmd.CID == cid {
			return true
		}
	}
	return false
}

// RemoveNonSticky removes all the mac-commands which are not sticky.
func (q *Queue) RemoveNonSticky() {
	q.filter(func(it queueItem) bool { return it.sticky })
}

// RemoveStickyAnswers removes the sticky answers. This must be called once
// a class A downlink has been received.
func (q *Queue) RemoveStickyAnswers() {
	q.filter(func(it queueItem) bool { return !it.sticky })
}

func (q *Queue) filter(keep func(queueItem) bool) {
	var out []queueItem
	for _, it := range q.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	q.items = out
}

// HasSticky returns true when sticky answers are queued.
func (q *Queue) HasSticky() bool {
	for _, it := range q.items {
		if it.sticky {
			return true
		}
	}
	return false
}

// Len returns the number of queued mac-commands.
func (q *Queue) Len() int {
	return len(q.items)
}

// Size returns the serialized size (in bytes) of the queued mac-commands.
func (q *Queue) Size() int {
	var size int
	for _, it := range q.items {
		size += it.size
	}
	return size
}

// Serialize returns the queued mac-commands, in order, which fit within
// maxSize bytes. It stops at the first mac-command which does not fit. The
// second return value is the serialized size.
func (q *Queue) Serialize(maxSize int) ([]lorawan.MACCommand, int) {
	var out []lorawan.MACCommand
	var size int

	for _, it := range q.items {
		if size+it.size > maxSize {
			break
		}
		size += it.size
		out = append(out, it.cmd)
	}

	return out, size
}

// Flush removes all the mac-commands.
func (q *Queue) Flush() {
	q.items = nil
}
