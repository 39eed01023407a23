package ppp_test

import (
	"encoding/binary"
	"errors"
	"net/netip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

var _ = Describe("End-to-end negotiation", func() {
	var (
		a, b         *ppp.Link
		hostA, hostB *fakeHost
		fromA, fromB *wire
	)

	newPair := func(mutateA, mutateB func(*ppp.Config)) {
		hostA, hostB = &fakeHost{}, &fakeHost{}
		fromA, fromB = &wire{}, &wire{}

		build := func(name string, seed int64, host *fakeHost, mutate func(*ppp.Config)) *ppp.Link {
			cfg := ppp.DefaultConfig()
			cfg.Name = name
			if mutate != nil {
				mutate(&cfg)
			}
			l, err := ppp.NewLink(cfg, host, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			l.SetRandom(randSource(seed))
			return l
		}
		a = build("ppp-a", 101, hostA, mutateA)
		b = build("ppp-b", 202, hostB, mutateB)
	}

	start := func() {
		a.Up()
		b.Up()
		a.Open()
		b.Open()
		pump(a, b, fromA, fromB)
	}

	AfterEach(func() {
		a.Detach()
		b.Detach()
	})

	Context("scenario 1: no authentication", func() {
		It("should go straight to the Network phase and bring up IPCP", func() {
			// Given two links with static addresses and no auth
			newPair(func(c *ppp.Config) {
				c.IPCP.Local = netip.MustParseAddr("10.0.0.1")
				c.IPCP.Remote = netip.MustParseAddr("10.0.0.2")
			}, func(c *ppp.Config) {
				c.IPCP.Local = netip.MustParseAddr("10.0.0.2")
				c.IPCP.Remote = netip.MustParseAddr("10.0.0.1")
			})
			obs := newRecordingObserver()
			a.SetObserver(obs)

			// When both sides open
			start()

			// Then LCP is Opened and the link skipped Authenticate
			sa, sb := a.Status(), b.Status()
			Expect(sa.LCP).To(Equal(ppp.StateOpened))
			Expect(sb.LCP).To(Equal(ppp.StateOpened))
			Expect(sa.Phase).To(Equal(ppp.PhaseNetwork))
			Expect(obs.phases).NotTo(ContainElement(ppp.PhaseAuthenticate))

			// And IPCP came up by itself
			Expect(sa.IPCP).To(Equal(ppp.StateOpened))
			Expect(sb.IPCP).To(Equal(ppp.StateOpened))
			Expect(sa.LocalIPv4).To(Equal(netip.MustParseAddr("10.0.0.1")))
			Expect(sa.PeerIPv4).To(Equal(netip.MustParseAddr("10.0.0.2")))
			local, remote := hostB.addrs()
			Expect(local).To(Equal(netip.MustParseAddr("10.0.0.2")))
			Expect(remote).To(Equal(netip.MustParseAddr("10.0.0.1")))

			// And IPv6CP settled on distinct identifiers
			Expect(sa.IPv6CP).To(Equal(ppp.StateOpened))
			Expect(sa.LocalIfID).NotTo(Equal(sb.LocalIfID))
			Expect(sa.PeerIfID).To(Equal(sb.LocalIfID))
		})

		It("should carry IP data once IPCP is open", func() {
			newPair(nil, nil)
			var got []byte
			b.SetDeliver(func(proto uint16, payload []byte) {
				if proto == ppp.ProtocolIP {
					got = payload
				}
			})
			start()

			pkt := make([]byte, 20)
			pkt[0] = 0x45
			copy(pkt[12:16], []byte{10, 0, 0, 1})
			Expect(a.Output(ppp.ProtocolIP, pkt)).To(Succeed())
			pump(a, b, nil, nil)

			Expect(got).To(Equal(pkt))
		})
	})

	Context("scenario 2: CHAP", func() {
		BeforeEach(func() {
			newPair(func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Name: "nas"}
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolCHAP, Name: "alice", Secret: "s3cret"}
			}, func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolCHAP, Name: "alice", Secret: "s3cret"}
			})
		})

		It("should negotiate CHAP/MD5, challenge and reach Network", func() {
			start()

			// LCP carried Auth-Protocol CHAP with the MD5 algorithm
			var authOpt *ppp.Option
			for _, f := range fromA.all() {
				if f.Proto == ppp.ProtocolLCP && f.Pkt.Code == ppp.CodeConfigRequest {
					opts, err := ppp.ParseOptions(f.Pkt.Data)
					Expect(err).NotTo(HaveOccurred())
					for i := range opts {
						if opts[i].Type == ppp.LCPOptAuthProto {
							authOpt = &opts[i]
						}
					}
				}
			}
			Expect(authOpt).NotTo(BeNil())
			Expect(authOpt.Data).To(Equal([]byte{0xC2, 0x23, ppp.CHAPAlgorithmMD5}))

			// The challenge holds a 16-byte value followed by our name
			challenge := find(fromA.all(), ppp.ProtocolCHAP, ppp.CHAPCodeChallenge)
			Expect(challenge).NotTo(BeNil())
			Expect(challenge.Data[0]).To(Equal(uint8(16)))
			Expect(challenge.Data[1:17]).To(HaveLen(16))
			Expect(string(challenge.Data[17:])).To(Equal("nas"))

			// The response is MD5(id || secret || challenge)
			resp := find(fromB.all(), ppp.ProtocolCHAP, ppp.CHAPCodeResponse)
			Expect(resp).NotTo(BeNil())
			Expect(resp.Identifier).To(Equal(challenge.Identifier))
			Expect(resp.Data[1:17]).To(Equal(ppp.CHAPResponse(challenge.Identifier, []byte("s3cret"), challenge.Data[1:17])))

			success := find(fromA.all(), ppp.ProtocolCHAP, ppp.CHAPCodeSuccess)
			Expect(success).NotTo(BeNil())
			Expect(string(success.Data)).To(Equal("Welcome!"))

			sa, sb := a.Status(), b.Status()
			Expect(sa.Phase).To(Equal(ppp.PhaseNetwork))
			Expect(sb.Phase).To(Equal(ppp.PhaseNetwork))
			Expect(sa.CHAP).To(Equal(ppp.StateOpened))
			Expect(sa.IPCP).To(Equal(ppp.StateOpened))

			// A rechallenge is scheduled
			Expect(a.TimerPending(ppp.TimerCHAP)).To(BeTrue())
		})

		It("should rechallenge without leaving the Network phase", func() {
			start()
			before := len(fromA.all())

			Expect(a.ExpireTimer(ppp.TimerCHAP)).To(BeTrue())
			pump(a, b, fromA, fromB)

			var challenges int
			for _, f := range fromA.all()[before:] {
				if f.Proto == ppp.ProtocolCHAP && f.Pkt.Code == ppp.CHAPCodeChallenge {
					challenges++
				}
			}
			Expect(challenges).To(Equal(1))
			Expect(a.Status().Phase).To(Equal(ppp.PhaseNetwork))
			Expect(a.Status().CHAP).To(Equal(ppp.StateOpened))
		})
	})

	Context("CHAP with a wrong secret", func() {
		It("should fail the peer and close the link", func() {
			newPair(func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Name: "nas"}
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolCHAP, Name: "alice", Secret: "s3cret"}
			}, func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolCHAP, Name: "alice", Secret: "guess"}
			})
			obs := newRecordingObserver()
			a.SetObserver(obs)

			start()

			failure := find(fromA.all(), ppp.ProtocolCHAP, ppp.CHAPCodeFailure)
			Expect(failure).NotTo(BeNil())
			Expect(string(failure.Data)).To(Equal("Failed..."))

			sa := a.Status()
			Expect(sa.AuthFailures).To(Equal(1))
			Expect(sa.CHAP).To(Equal(ppp.StateClosed))
			Expect(sa.LCP).To(Equal(ppp.StateClosed))
			Expect(sa.Phase).To(Equal(ppp.PhaseDead))
			Expect(sa.IPCP).NotTo(Equal(ppp.StateOpened))
			Expect(obs.auth[false]).To(Equal(1))
		})
	})

	Context("PAP", func() {
		It("should authenticate with name and password", func() {
			newPair(func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "hunter2"}
			}, func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "hunter2"}
			})
			start()

			req := find(fromB.all(), ppp.ProtocolPAP, ppp.PAPCodeAuthRequest)
			Expect(req).NotTo(BeNil())
			Expect(req.Data).To(Equal(append(append([]byte{3}, "bob"...), append([]byte{7}, "hunter2"...)...)))

			ack := find(fromA.all(), ppp.ProtocolPAP, ppp.PAPCodeAuthAck)
			Expect(ack).NotTo(BeNil())
			Expect(ack.Data).To(Equal(append([]byte{8}, "Welcome!"...)))

			Expect(a.Status().Phase).To(Equal(ppp.PhaseNetwork))
			Expect(b.Status().Phase).To(Equal(ppp.PhaseNetwork))
			Expect(b.TimerPending(ppp.TimerPAPPeer)).To(BeFalse())
		})

		It("should Nak a wrong password", func() {
			newPair(func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "hunter2"}
			}, func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "*******"}
			})
			start()

			Expect(find(fromA.all(), ppp.ProtocolPAP, ppp.PAPCodeAuthNak)).NotTo(BeNil())
			Expect(a.Status().AuthFailures).To(Equal(1))
			Expect(b.Status().AuthFailures).To(Equal(1))
			Expect(a.Status().LCP).To(Equal(ppp.StateClosed))
		})
	})

	Context("scenario 3: oversized MRU", func() {
		It("should Nak MRU 9000 with 1500 and Ack the corrected request", func() {
			newPair(nil, nil)
			a.Up()
			a.Open()
			drain(a)

			// When the peer proposes MRU 9000
			a.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1,
				optBytes(mruOpt(9000), magicOpt(peerMagic))))

			// Then we Nak with our interface MTU
			nak := find(drain(a), ppp.ProtocolLCP, ppp.CodeConfigNak)
			Expect(nak).NotTo(BeNil())
			Expect(nak.Identifier).To(Equal(uint8(1)))
			Expect(nak.Data).To(Equal(optBytes(mruOpt(1500))))
			Expect(a.Status().LCP).To(Equal(ppp.StateReqSent))

			// When the peer retries with MRU 1500
			req := optBytes(mruOpt(1500), magicOpt(peerMagic))
			a.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 2, req))

			// Then it is acknowledged verbatim
			ack := find(drain(a), ppp.ProtocolLCP, ppp.CodeConfigAck)
			Expect(ack).NotTo(BeNil())
			Expect(ack.Identifier).To(Equal(uint8(2)))
			Expect(ack.Data).To(Equal(req))
			Expect(a.Status().LCP).To(Equal(ppp.StateAckSent))
			Expect(a.Status().PeerMRU).To(Equal(1500))
		})
	})

	Context("scenario 4: magic-number loopback", func() {
		It("should take the interface down and purge the control queue", func() {
			newPair(nil, nil)
			obs := newRecordingObserver()
			a.SetObserver(obs)
			a.Up()
			a.Open()
			Expect(a.QueuedControl()).To(Equal(1))
			magic := a.Status().Magic
			Expect(magic).NotTo(BeZero())

			looped := func(id uint8) {
				a.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, id, optBytes(magicOpt(magic))))
			}

			// Glitches below the threshold are Naked and tolerated
			for i := 0; i < ppp.LoopAliveCount*5; i++ {
				looped(uint8(i + 1))
			}
			st := a.Status()
			Expect(st.Loopback).To(BeFalse())
			Expect(st.Up).To(BeTrue())
			Expect(a.QueuedControl()).To(Equal(1 + ppp.LoopAliveCount*5))

			// The next repeat trips loopback detection
			looped(0x80)

			st = a.Status()
			Expect(st.Loopback).To(BeTrue())
			Expect(st.Up).To(BeFalse())
			Expect(obs.loopbacks).To(Equal(1))
			// The purge leaves nothing behind, not even a reply to the
			// triggering request
			Expect(a.QueuedControl()).To(BeZero())
			Expect(a.Status().LCP).To(Equal(ppp.StateClosed))

			err := a.Output(ppp.ProtocolIP, make([]byte, 20))
			Expect(errors.Is(err, ppp.ErrLinkDown)).To(BeTrue())
		})

		It("should Nak our own magic inverted", func() {
			newPair(nil, nil)
			a.Up()
			a.Open()
			magic := a.Status().Magic
			drain(a)

			a.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1, optBytes(magicOpt(magic))))

			nak := find(drain(a), ppp.ProtocolLCP, ppp.CodeConfigNak)
			Expect(nak).NotTo(BeNil())
			Expect(binary.BigEndian.Uint32(nak.Data[2:6])).To(Equal(^magic))

			// Seeing the inverted magic in a Nak picks a fresh one
			id := a.ConfigureRequestID(ppp.ProtocolLCP)
			a.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigNak, id, optBytes(magicOpt(^magic))))
			Expect(a.Status().Magic).NotTo(Equal(magic))
			Expect(a.Status().Magic).NotTo(Equal(^magic))
		})
	})
})
