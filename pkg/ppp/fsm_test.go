package ppp_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

var allStates = []ppp.State{
	ppp.StateInitial, ppp.StateStarting, ppp.StateClosed, ppp.StateStopped,
	ppp.StateClosing, ppp.StateStopping, ppp.StateReqSent, ppp.StateAckRcvd,
	ppp.StateAckSent, ppp.StateOpened,
}

var _ = Describe("Control Protocol Automaton", func() {
	var link *ppp.Link

	BeforeEach(func() {
		link = newTestLink(1, nil)
	})

	AfterEach(func() {
		link.Detach()
	})

	Describe("Initial transitions", func() {
		It("should go Initial -> Closed on Up", func() {
			link.Up()
			Expect(link.Status().LCP).To(Equal(ppp.StateClosed))
		})

		It("should go Initial -> Starting on Open and announce the layer start", func() {
			started := false
			link.SetLowerLayerHooks(func() { started = true }, nil)
			link.Open()
			Expect(link.Status().LCP).To(Equal(ppp.StateStarting))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseEstablish))
			Expect(started).To(BeTrue())
		})

		It("should send a Configure-Request on Up after Open", func() {
			link.Open()
			link.Up()

			out := drain(link)
			req := find(out, ppp.ProtocolLCP, ppp.CodeConfigRequest)
			Expect(req).NotTo(BeNil())
			Expect(link.Status().LCP).To(Equal(ppp.StateReqSent))
			Expect(link.TimerPending(ppp.TimerLCP)).To(BeTrue())

			opts, err := ppp.ParseOptions(req.Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(opts).To(HaveLen(1))
			Expect(opts[0].Type).To(Equal(uint8(ppp.LCPOptMagicNumber)))
		})
	})

	Describe("State-machine totality", func() {
		events := map[string]func(l *ppp.Link){
			"up":      func(l *ppp.Link) { l.Up() },
			"down":    func(l *ppp.Link) { l.Down() },
			"open":    func(l *ppp.Link) { l.Open() },
			"close":   func(l *ppp.Link) { l.Close() },
			"timeout": func(l *ppp.Link) { l.ExpireTimer(ppp.TimerLCP) },
			"rcr+": func(l *ppp.Link) {
				l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1, optBytes(magicOpt(peerMagic))))
			},
			"rcr-": func(l *ppp.Link) {
				l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1, optBytes(mruOpt(9000))))
			},
			"rca": func(l *ppp.Link) {
				l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigAck, l.ConfigureRequestID(ppp.ProtocolLCP), nil))
			},
			"rcn": func(l *ppp.Link) {
				l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigNak, l.ConfigureRequestID(ppp.ProtocolLCP),
					optBytes(mruOpt(1400))))
			},
			"rtr": func(l *ppp.Link) { l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermRequest, 9, nil)) },
			"rta": func(l *ppp.Link) { l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermAck, 9, nil)) },
			"ruc": func(l *ppp.Link) { l.Input(ctrlFrame(ppp.ProtocolLCP, 99, 9, []byte{1, 2})) },
			"rxj": func(l *ppp.Link) { l.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeCodeReject, 9, []byte{99})) },
		}

		DescribeTable("every event in every state lands in a defined state",
			func(from ppp.State) {
				for name, fire := range events {
					l := newTestLink(2, nil)
					l.ForceState(ppp.ProtocolLCP, from)

					Expect(func() { fire(l) }).NotTo(Panic(), "event %s in %s", name, from)
					Expect(l.Status().LCP).To(BeElementOf(allStates), "event %s in %s", name, from)
					l.Detach()
				}
			},
			Entry("Initial", ppp.StateInitial),
			Entry("Starting", ppp.StateStarting),
			Entry("Closed", ppp.StateClosed),
			Entry("Stopped", ppp.StateStopped),
			Entry("Closing", ppp.StateClosing),
			Entry("Stopping", ppp.StateStopping),
			Entry("Req-Sent", ppp.StateReqSent),
			Entry("Ack-Rcvd", ppp.StateAckRcvd),
			Entry("Ack-Sent", ppp.StateAckSent),
			Entry("Opened", ppp.StateOpened),
		)

		It("should treat Up while Opened as a no-op", func() {
			openLCP(link)
			link.Up()
			Expect(link.Status().LCP).To(Equal(ppp.StateOpened))
		})
	})

	Describe("Ack identifier matching", func() {
		BeforeEach(func() {
			link.Up()
			link.Open()
			drain(link)
		})

		It("should ignore a Configure-Ack with a stale identifier", func() {
			// Given a Configure-Request outstanding
			id := link.ConfigureRequestID(ppp.ProtocolLCP)

			// When an Ack for a different identifier arrives
			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigAck, id+1, nil))

			// Then the automaton does not advance
			Expect(link.Status().LCP).To(Equal(ppp.StateReqSent))
			Expect(link.Status().Stats.InErrors).To(Equal(uint64(1)))

			// And the matching Ack does
			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigAck, id, nil))
			Expect(link.Status().LCP).To(Equal(ppp.StateAckRcvd))
		})

		It("should ignore Naks and Rejects with a stale identifier", func() {
			id := link.ConfigureRequestID(ppp.ProtocolLCP)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigNak, id-1, optBytes(mruOpt(1400))))
			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigReject, id+2, optBytes(magicOpt(0))))

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().MRU).To(Equal(ppp.DefaultMTU))
			Expect(link.ConfigureRequestID(ppp.ProtocolLCP)).To(Equal(id))
		})
	})

	Describe("Timer cancellation", func() {
		It("should be idempotent on an idle slot", func() {
			link.CancelTimer(ppp.TimerIPCP)
			link.CancelTimer(ppp.TimerIPCP)
			Expect(link.TimerPending(ppp.TimerIPCP)).To(BeFalse())
			Expect(link.Status().IPCP).To(Equal(ppp.StateInitial))
		})

		It("should leave a cancelled timer unable to fire", func() {
			link.Up()
			link.Open()
			Expect(link.TimerPending(ppp.TimerLCP)).To(BeTrue())

			link.CancelTimer(ppp.TimerLCP)
			link.CancelTimer(ppp.TimerLCP)

			Expect(link.TimerPending(ppp.TimerLCP)).To(BeFalse())
			Expect(link.ExpireTimer(ppp.TimerLCP)).To(BeFalse())
			Expect(link.Status().LCP).To(Equal(ppp.StateReqSent))
		})
	})

	Describe("Retransmission", func() {
		It("should resend the Configure-Request until max-configure runs out", func() {
			link = newTestLink(3, func(c *ppp.Config) { c.MaxConfigure = 2 })
			stopped := false
			link.SetLowerLayerHooks(nil, func() { stopped = true })
			link.Up()
			link.Open()
			drain(link)

			// Two retransmissions, then TO- stops the automaton
			Expect(link.ExpireTimer(ppp.TimerLCP)).To(BeTrue())
			Expect(find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigRequest)).NotTo(BeNil())
			Expect(link.ExpireTimer(ppp.TimerLCP)).To(BeTrue())
			Expect(find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigRequest)).NotTo(BeNil())
			Expect(link.ExpireTimer(ppp.TimerLCP)).To(BeTrue())

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().LCP).To(Equal(ppp.StateStopped))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseDead))
			Expect(stopped).To(BeTrue())
		})
	})

	Describe("Nak-to-Reject escalation", func() {
		It("should reject after exactly max-failure Naks", func() {
			link = newTestLink(4, func(c *ppp.Config) { c.MaxFailure = 3 })
			link.Up()
			link.Open()
			drain(link)

			for i := 0; i < 3; i++ {
				link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, uint8(10+i), optBytes(mruOpt(9000))))
				nak := find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigNak)
				Expect(nak).NotTo(BeNil(), "round %d", i)
				Expect(nak.Identifier).To(Equal(uint8(10 + i)))
			}

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 20, optBytes(mruOpt(9000))))
			out := drain(link)
			Expect(find(out, ppp.ProtocolLCP, ppp.CodeConfigNak)).To(BeNil())
			rej := find(out, ppp.ProtocolLCP, ppp.CodeConfigReject)
			Expect(rej).NotTo(BeNil())
			// The peer's original option is rejected, not our suggestion
			Expect(rej.Data).To(Equal(optBytes(mruOpt(9000))))
		})
	})

	Describe("Malformed input", func() {
		BeforeEach(func() {
			link.Up()
			link.Open()
			drain(link)
		})

		It("should drop a Configure-Request whose option overruns the packet", func() {
			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 5, []byte{0x01, 0x09, 0x05, 0xDC}))

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().LCP).To(Equal(ppp.StateReqSent))
			Expect(link.Status().Stats.InErrors).To(Equal(uint64(1)))
		})

		It("should drop frames too short to carry a header", func() {
			link.Input([]byte{0xFF, 0x03, 0xC0, 0x21})
			Expect(link.Status().Stats.InErrors).To(Equal(uint64(1)))
		})

		It("should drop frames with a bad control byte", func() {
			frame := ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermRequest, 1, nil)
			frame[1] = 0x13
			link.Input(frame)
			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().Stats.InErrors).To(Equal(uint64(1)))
		})

		It("should answer an unknown code with a Code-Reject", func() {
			link.Input(ctrlFrame(ppp.ProtocolLCP, 0x42, 7, []byte{0xAB}))

			rej := find(drain(link), ppp.ProtocolLCP, ppp.CodeCodeReject)
			Expect(rej).NotTo(BeNil())
			Expect(rej.Data).To(Equal([]byte{0x42, 0x07, 0x00, 0x05, 0xAB}))
		})
	})

	Describe("Termination", func() {
		It("should answer a Terminate-Request in Opened and stop", func() {
			openLCP(link)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermRequest, 0x33, nil))

			ack := find(drain(link), ppp.ProtocolLCP, ppp.CodeTermAck)
			Expect(ack).NotTo(BeNil())
			Expect(ack.Identifier).To(Equal(uint8(0x33)))
			Expect(link.Status().LCP).To(Equal(ppp.StateStopping))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseTerminate))

			// The zeroed restart counter stops on the next timeout
			Expect(link.ExpireTimer(ppp.TimerLCP)).To(BeTrue())
			Expect(link.Status().LCP).To(Equal(ppp.StateStopped))
		})

		It("should send a Terminate-Request on Close and finish on the Ack", func() {
			openLCP(link)

			link.Close()
			req := find(drain(link), ppp.ProtocolLCP, ppp.CodeTermRequest)
			Expect(req).NotTo(BeNil())
			Expect(link.Status().LCP).To(Equal(ppp.StateClosing))

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermAck, req.Identifier, nil))
			Expect(link.Status().LCP).To(Equal(ppp.StateClosed))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseDead))
		})
	})
})
