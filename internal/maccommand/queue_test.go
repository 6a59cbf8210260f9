package maccommand

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"
)

func TestQueue(t *testing.T) {
	Convey("Given an empty queue of 10 bytes", t, func() {
		q := NewQueue(10)
		So(q.Len(), ShouldEqual, 0)
		So(q.Size(), ShouldEqual, 0)

		Convey("When adding a LinkCheckReq, a RXParamSetupAns and a DevStatusAns", func() {
			a := RequestLinkCheck()
			b := lorawan.MACCommand{
				CID: lorawan.RXParamSetupAns,
				Payload: &lorawan.RXParamSetupAnsPayload{
					ChannelACK:     true,
					RX2DataRateACK: true,
					RX1DROffsetACK: true,
				},
			}
			c := lorawan.MACCommand{
				CID: lorawan.DevStatusAns,
				Payload: &lorawan.DevStatusAnsPayload{
					Battery: 255,
					Margin:  10,
				},
			}
			So(q.Add(a), ShouldBeNil)
			So(q.Add(b), ShouldBeNil)
			So(q.Add(c), ShouldBeNil)

			Convey("Then the size is 6 bytes", func() {
				So(q.Len(), ShouldEqual, 3)
				So(q.Size(), ShouldEqual, 6)
				So(q.HasSticky(), ShouldBeTrue)
			})

			Convey("Then a mac-command exceeding the max size is rejected", func() {
				err := q.Add(lorawan.MACCommand{
					CID: lorawan.LinkADRAns,
					Payload: &lorawan.LinkADRAnsPayload{
						PowerACK: true,
					},
				})
				So(err, ShouldBeNil)
				err = q.Add(lorawan.MACCommand{
					CID: lorawan.LinkADRAns,
					Payload: &lorawan.LinkADRAnsPayload{
						PowerACK: true,
					},
				})
				So(err, ShouldBeNil)
				err = q.Add(RequestDeviceTime())
				So(err, ShouldNotBeNil)
			})

			Convey("Then serializing within 4 bytes returns the first two mac-commands", func() {
				cmds, size := q.Serialize(4)
				So(size, ShouldEqual, 3)
				So(cmds, ShouldResemble, []lorawan.MACCommand{a, b})
			})

			Convey("Then serializing within 15 bytes returns all mac-commands", func() {
				cmds, size := q.Serialize(15)
				So(size, ShouldEqual, 6)
				So(cmds, ShouldResemble, []lorawan.MACCommand{a, b, c})
			})

			Convey("When removing the non-sticky mac-commands", func() {
				q.RemoveNonSticky()

				Convey("Then only the sticky answer remains", func() {
					cmds, _ := q.Serialize(15)
					So(cmds, ShouldResemble, []lorawan.MACCommand{b})
				})

				Convey("When removing the sticky answers", func() {
					q.RemoveStickyAnswers()

					Convey("Then the queue is empty", func() {
						So(q.Len(), ShouldEqual, 0)
						So(q.HasSticky(), ShouldBeFalse)
					})
				})
			})

			Convey("When removing the DevStatusAns by CID", func() {
				So(q.Remove(lorawan.DevStatusAns), ShouldBeTrue)
				So(q.Remove(lorawan.DevStatusAns), ShouldBeFalse)

				Convey("Then it is no longer queued", func() {
					So(q.Contains(lorawan.DevStatusAns), ShouldBeFalse)
					So(q.Contains(lorawan.LinkCheckReq), ShouldBeTrue)
					So(q.Len(), ShouldEqual, 2)
				})
			})
		})
	})
}

func TestBlocks(t *testing.T) {
	Convey("Given a LinkADRReq block followed by a DevStatusReq", t, func() {
		cmds := []lorawan.MACCommand{
			{CID: lorawan.LinkADRReq, Payload: &lorawan.LinkADRReqPayload{DataRate: 1}},
			{CID: lorawan.LinkADRReq, Payload: &lorawan.LinkADRReqPayload{DataRate: 2}},
			{CID: lorawan.DevStatusReq},
		}

		Convey("Then Blocks returns two blocks", func() {
			blocks := Blocks(cmds)
			So(blocks, ShouldHaveLength, 2)
			So(blocks[0].CID, ShouldEqual, lorawan.LinkADRReq)
			So(blocks[0].MACCommands, ShouldHaveLength, 2)
			So(blocks[1].CID, ShouldEqual, lorawan.DevStatusReq)
		})
	})
}
