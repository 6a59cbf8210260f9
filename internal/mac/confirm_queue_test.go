package mac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfirmQueue(t *testing.T) {
	t.Run("add until full", func(t *testing.T) {
		assert := require.New(t)

		var q confirmQueue
		for i := 0; i < confirmQueueSize; i++ {
			assert.True(q.add(confirmQueueElement{request: MlmeLinkCheck}))
		}
		assert.True(q.isFull())
		assert.False(q.add(confirmQueueElement{request: MlmeDeviceTime}))
		assert.Equal(confirmQueueSize, q.len())

		q.removeLast()
		assert.False(q.isFull())
	})

	t.Run("set status of first matching element", func(t *testing.T) {
		assert := require.New(t)

		var q confirmQueue
		q.add(confirmQueueElement{request: MlmeLinkCheck, status: StatusError})
		q.add(confirmQueueElement{request: MlmeDeviceTime, status: StatusError})

		q.setStatus(StatusOK, MlmeDeviceTime)
		assert.Equal(StatusOK, q.getStatus(MlmeDeviceTime))
		assert.Equal(StatusError, q.getStatus(MlmeLinkCheck))
		assert.True(q.isCmdActive(MlmeLinkCheck))
		assert.False(q.isCmdActive(MlmeTxCw))

		var handled []MlmeConfirm
		q.handle(MlmeConfirm{}, func(c MlmeConfirm) {
			handled = append(handled, c)
		})
		assert.Equal([]MlmeConfirm{{Type: MlmeDeviceTime, Status: StatusOK}}, handled)
		assert.Equal(1, q.len())
		assert.True(q.isCmdActive(MlmeLinkCheck))
	})

	t.Run("common status skips restricted elements", func(t *testing.T) {
		assert := require.New(t)

		var q confirmQueue
		q.add(confirmQueueElement{request: MlmeLinkCheck})
		q.add(confirmQueueElement{request: MlmeBeaconAcquisition, restrictCommonReadyToHandle: true})
		q.add(confirmQueueElement{request: MlmeDeviceTime})

		q.setStatusCmn(StatusRx2Timeout)

		var handled []MlmeType
		q.handle(MlmeConfirm{}, func(c MlmeConfirm) {
			assert.Equal(StatusRx2Timeout, c.Status)
			handled = append(handled, c.Type)
		})
		assert.Equal([]MlmeType{MlmeLinkCheck, MlmeDeviceTime}, handled)
		assert.Equal(1, q.len())
		assert.Equal(StatusRx2Timeout, q.getStatus(MlmeBeaconAcquisition))
	})

	t.Run("unknown request", func(t *testing.T) {
		assert := require.New(t)

		var q confirmQueue
		assert.Equal(StatusError, q.getStatus(MlmeLinkCheck))
		q.removeLast()
		assert.Equal(0, q.len())
	})
}
