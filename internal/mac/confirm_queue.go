package mac

// confirmQueueSize defines the max. number of outstanding MLME requests.
const confirmQueueSize = 5

type confirmQueueElement struct {
	request       MlmeType
	status        EventStatus
	readyToHandle bool

	// restrictCommonReadyToHandle excludes the element from the common
	// status updates (e.g. the RX window timeouts). It is used by requests
	// which complete independently of the uplink, like the beacon
	// acquisition.
	restrictCommonReadyToHandle bool
}

// confirmQueue holds the outstanding MLME requests, in the order they were
// requested.
type confirmQueue struct {
	elements []confirmQueueElement
}

func (q *confirmQueue) add(el confirmQueueElement) bool {
	if q.isFull() {
		return false
	}
	q.elements = append(q.elements, el)
	return true
}

// removeLast removes the last added element, used when a request fails
// after it was queued.
func (q *confirmQueue) removeLast() {
	if len(q.elements) != 0 {
		q.elements = q.elements[:len(q.elements)-1]
	}
}

// setStatus sets the status of the first element of the given request type
// and marks it ready to handle.
func (q *confirmQueue) setStatus(status EventStatus, req MlmeType) {
	for i := range q.elements {
		if q.elements[i].request == req {
			q.elements[i].status = status
			q.elements[i].readyToHandle = true
			return
		}
	}
}

// getStatus returns the status of the first element of the given request
// type.
func (q *confirmQueue) getStatus(req MlmeType) EventStatus {
	for _, el := range q.elements {
		if el.request == req {
			return el.status
		}
	}
	return StatusError
}

// setStatusCmn sets the status of all elements. All elements, except the
// restricted ones, are marked ready to handle.
func (q *confirmQueue) setStatusCmn(status EventStatus) {
	for i := range q.elements {
		q.elements[i].status = status
		if !q.elements[i].restrictCommonReadyToHandle {
			q.elements[i].readyToHandle = true
		}
	}
}

func (q *confirmQueue) isCmdActive(req MlmeType) bool {
	for _, el := range q.elements {
		if el.request == req {
			return true
		}
	}
	return false
}

// handle calls cb for every element which is ready to handle and removes
// these from the queue. The other elements are kept in order.
func (q *confirmQueue) handle(base MlmeConfirm, cb func(MlmeConfirm)) {
	var ready, kept []confirmQueueElement
	for _, el := range q.elements {
		if el.readyToHandle {
			ready = append(ready, el)
		} else {
			kept = append(kept, el)
		}
	}
	q.elements = kept

	if cb == nil {
		return
	}
	for _, el := range ready {
		c := base
		c.Type = el.request
		c.Status = el.status
		cb(c)
	}
}

func (q *confirmQueue) len() int {
	return len(q.elements)
}

func (q *confirmQueue) isFull() bool {
	return len(q.elements) >= confirmQueueSize
}
