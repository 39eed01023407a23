package ppp_test

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// stubVerifier accepts a fixed user/password pair.
type stubVerifier struct {
	mu       sync.Mutex
	user     string
	password string
	calls    int
}

func (v *stubVerifier) VerifyPAP(_ context.Context, user, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if user != v.user || password != v.password {
		return ppp.ErrAuthFailure
	}
	return nil
}

func (v *stubVerifier) VerifyCHAP(_ context.Context, user string, id uint8, challenge, response []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	want := ppp.CHAPResponse(id, []byte(v.password), challenge)
	if user != v.user || string(want) != string(response) {
		return ppp.ErrAuthFailure
	}
	return nil
}

func (v *stubVerifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// blockingVerifier holds every call until release is closed, then answers
// with err.
type blockingVerifier struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func newBlockingVerifier(err error) *blockingVerifier {
	return &blockingVerifier{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
		err:     err,
	}
}

func (v *blockingVerifier) wait(ctx context.Context) error {
	v.entered <- struct{}{}
	select {
	case <-v.release:
		return v.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *blockingVerifier) VerifyPAP(ctx context.Context, _, _ string) error {
	return v.wait(ctx)
}

func (v *blockingVerifier) VerifyCHAP(ctx context.Context, _ string, _ uint8, _, _ []byte) error {
	return v.wait(ctx)
}

var errServerDown = errors.New("radius: i/o timeout")

// awaitFrame polls l's queues until a proto/code packet shows up.
func awaitFrame(l *ppp.Link, proto uint16, code uint8) *ppp.Packet {
	var pkt *ppp.Packet
	Eventually(func() *ppp.Packet {
		pkt = find(drain(l), proto, code)
		return pkt
	}).ShouldNot(BeNil())
	return pkt
}

func papRequest(id uint8, user, password string) []byte {
	data := append([]byte{uint8(len(user))}, user...)
	data = append(data, uint8(len(password)))
	data = append(data, password...)
	return ctrlFrame(ppp.ProtocolPAP, ppp.PAPCodeAuthRequest, id, data)
}

var _ = Describe("Authentication", func() {
	var link *ppp.Link

	AfterEach(func() {
		if link != nil {
			link.Detach()
			link = nil
		}
	})

	Describe("CHAP digest", func() {
		It("should compute MD5 over id, secret and challenge", func() {
			challenge := []byte("0123456789abcdef")
			sum := md5.Sum(append(append([]byte{0x2A}, "secret"...), challenge...))
			Expect(ppp.CHAPResponse(0x2A, []byte("secret"), challenge)).To(Equal(sum[:]))
		})

		It("should never verify a response computed with another secret", func() {
			r := rand.New(rand.NewSource(7))
			for i := 0; i < 200; i++ {
				challenge := make([]byte, 16)
				r.Read(challenge)
				s1 := fmt.Sprintf("secret-%d", r.Int())
				s2 := fmt.Sprintf("secret-%d", r.Int())
				if s1 == s2 {
					continue
				}
				id := uint8(r.Intn(256))

				v := &stubVerifier{user: "u", password: s1}
				Expect(v.VerifyCHAP(context.Background(), "u", id, challenge, ppp.CHAPResponse(id, []byte(s1), challenge))).To(Succeed())
				Expect(v.VerifyCHAP(context.Background(), "u", id, challenge, ppp.CHAPResponse(id, []byte(s2), challenge))).NotTo(Succeed())
			}
		})
	})

	Describe("LCP Authentication-Protocol option", func() {
		It("should Nak a protocol other than the one we authenticate with", func() {
			link = newTestLink(31, func(c *ppp.Config) {
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			link.Up()
			link.Open()
			drain(link)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1,
				optBytes(magicOpt(peerMagic), authOpt(ppp.ProtocolCHAP))))

			nak := find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigNak)
			Expect(nak).NotTo(BeNil())
			Expect(nak.Data).To(Equal(optBytes(authOpt(ppp.ProtocolPAP))))
		})

		It("should reject authentication when no credentials are configured", func() {
			link = newTestLink(32, nil)
			link.Up()
			link.Open()
			drain(link)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1,
				optBytes(magicOpt(peerMagic), authOpt(ppp.ProtocolPAP))))

			rej := find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigReject)
			Expect(rej).NotTo(BeNil())
			Expect(rej.Data).To(Equal(optBytes(authOpt(ppp.ProtocolPAP))))
		})

		It("should close when the peer refuses to authenticate", func() {
			link = newTestLink(33, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			link.Up()
			link.Open()
			id := link.ConfigureRequestID(ppp.ProtocolLCP)
			drain(link)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigReject, id, optBytes(authOpt(ppp.ProtocolPAP))))

			Expect(link.Status().LCP).To(Equal(ppp.StateClosing))
			Expect(find(drain(link), ppp.ProtocolLCP, ppp.CodeTermRequest)).NotTo(BeNil())
		})
	})

	Describe("PAP authenticatee", func() {
		BeforeEach(func() {
			link = newTestLink(34, func(c *ppp.Config) {
				c.MaxConfigure = 2
				c.MyAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
		})

		It("should retransmit its request a bounded number of times", func() {
			out := openLCP(link, magicOpt(peerMagic), authOpt(ppp.ProtocolPAP))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseAuthenticate))
			Expect(find(out, ppp.ProtocolPAP, ppp.PAPCodeAuthRequest)).NotTo(BeNil())

			requests := 0
			for link.ExpireTimer(ppp.TimerPAPPeer) {
				if find(drain(link), ppp.ProtocolPAP, ppp.PAPCodeAuthRequest) != nil {
					requests++
				}
				Expect(requests).To(BeNumerically("<=", 2))
			}
			Expect(requests).To(Equal(2))
			Expect(link.TimerPending(ppp.TimerPAPPeer)).To(BeFalse())
		})

		It("should enter Network on the authenticator's Ack", func() {
			out := openLCP(link, magicOpt(peerMagic), authOpt(ppp.ProtocolPAP))
			req := find(out, ppp.ProtocolPAP, ppp.PAPCodeAuthRequest)

			link.Input(ctrlFrame(ppp.ProtocolPAP, ppp.PAPCodeAuthAck, req.Identifier, []byte{0}))

			Expect(link.Status().Phase).To(Equal(ppp.PhaseNetwork))
			Expect(link.TimerPending(ppp.TimerPAPPeer)).To(BeFalse())
		})

		It("should ignore PAP before the Authenticate phase", func() {
			link.Up()
			link.Open()
			drain(link)

			link.Input(ctrlFrame(ppp.ProtocolPAP, ppp.PAPCodeAuthAck, 1, []byte{0}))

			Expect(link.Status().Phase).To(BeNumerically("<", ppp.PhaseAuthenticate))
			Expect(link.TimerPending(ppp.TimerPAPPeer)).To(BeFalse())
			Expect(drain(link)).To(BeEmpty())
		})
	})

	Describe("PAP authenticator", func() {
		It("should drop a request whose lengths overrun the packet", func() {
			link = newTestLink(35, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			openLCP(link)

			link.Input(ctrlFrame(ppp.ProtocolPAP, ppp.PAPCodeAuthRequest, 1, []byte{0x10, 'b', 'o', 'b'}))

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().PAP).To(Equal(ppp.StateReqSent))
			Expect(link.Status().Stats.InErrors).To(Equal(uint64(1)))
		})

		It("should delegate to a Verifier", func() {
			v := &stubVerifier{user: "carol", password: "letmein"}
			link = newTestLink(36, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP}
			})
			link.SetVerifier(v)
			openLCP(link)

			link.Input(papRequest(9, "carol", "letmein"))

			ack := awaitFrame(link, ppp.ProtocolPAP, ppp.PAPCodeAuthAck)
			Expect(ack.Identifier).To(Equal(uint8(9)))
			Expect(v.Calls()).To(Equal(1))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseNetwork))
		})

		It("should Nak a peer the Verifier rejects", func() {
			v := &stubVerifier{user: "carol", password: "letmein"}
			link = newTestLink(41, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP}
			})
			link.SetVerifier(v)
			openLCP(link)

			link.Input(papRequest(9, "carol", "guess"))

			nak := awaitFrame(link, ppp.ProtocolPAP, ppp.PAPCodeAuthNak)
			Expect(nak.Identifier).To(Equal(uint8(9)))
			Expect(link.Status().AuthFailures).To(Equal(1))
			Expect(link.Status().LCP).To(Equal(ppp.StateClosing))
		})

		It("should keep serving the link while the Verifier is busy", func() {
			v := newBlockingVerifier(nil)
			link = newTestLink(42, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP}
			})
			link.SetVerifier(v)
			openLCP(link)

			// Input returns with the verdict still outstanding
			link.Input(papRequest(3, "carol", "letmein"))
			Eventually(v.entered).Should(Receive())
			Expect(link.VerifyPending()).To(BeTrue())

			status := make(chan ppp.LinkStatus, 1)
			go func() { status <- link.Status() }()
			Eventually(status).Should(Receive())

			// A retransmission meanwhile is not verified twice
			link.Input(papRequest(4, "carol", "letmein"))
			Consistently(v.entered, "50ms").ShouldNot(Receive())
			Expect(find(drain(link), ppp.ProtocolPAP, ppp.PAPCodeAuthAck)).To(BeNil())

			close(v.release)
			ack := awaitFrame(link, ppp.ProtocolPAP, ppp.PAPCodeAuthAck)
			Expect(ack.Identifier).To(Equal(uint8(3)))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseNetwork))
			Expect(link.VerifyPending()).To(BeFalse())
		})

		It("should neither answer nor count a request the Verifier could not decide", func() {
			v := newBlockingVerifier(errServerDown)
			close(v.release)
			link = newTestLink(43, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP}
			})
			link.SetVerifier(v)
			openLCP(link)

			link.Input(papRequest(3, "carol", "letmein"))
			Eventually(v.entered).Should(Receive())
			Eventually(link.VerifyPending).Should(BeFalse())

			out := drain(link)
			Expect(find(out, ppp.ProtocolPAP, ppp.PAPCodeAuthNak)).To(BeNil())
			Expect(find(out, ppp.ProtocolLCP, ppp.CodeTermRequest)).To(BeNil())
			st := link.Status()
			Expect(st.AuthFailures).To(BeZero())
			Expect(st.LCP).To(Equal(ppp.StateOpened))
			Expect(st.PAP).To(Equal(ppp.StateReqSent))

			// The peer's retransmission is verified again
			link.Input(papRequest(4, "carol", "letmein"))
			Eventually(v.entered).Should(Receive())
		})

		It("should discard a verdict that arrives after the link closed", func() {
			v := newBlockingVerifier(nil)
			link = newTestLink(44, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP}
			})
			link.SetVerifier(v)
			openLCP(link)

			link.Input(papRequest(3, "carol", "letmein"))
			Eventually(v.entered).Should(Receive())
			link.Close()
			drain(link)

			close(v.release)
			Consistently(func() *ppp.Packet {
				return find(drain(link), ppp.ProtocolPAP, ppp.PAPCodeAuthAck)
			}, "100ms").Should(BeNil())
			Expect(link.Status().PAP).To(Equal(ppp.StateClosed))
			Expect(link.Status().Phase).NotTo(Equal(ppp.PhaseNetwork))
		})

		It("should give up when the peer never authenticates", func() {
			link = newTestLink(37, func(c *ppp.Config) {
				c.MaxConfigure = 1
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			openLCP(link)
			Expect(link.Status().PAP).To(Equal(ppp.StateReqSent))

			Expect(link.ExpireTimer(ppp.TimerPAP)).To(BeTrue())
			Expect(link.ExpireTimer(ppp.TimerPAP)).To(BeTrue())

			Expect(link.Status().PAP).To(Equal(ppp.StateClosed))
			Expect(link.Status().LCP).To(Equal(ppp.StateClosing))
		})
	})

	Describe("CHAP authenticator", func() {
		It("should leave the challenge open when the Verifier is unreachable", func() {
			v := newBlockingVerifier(errServerDown)
			close(v.release)
			link = newTestLink(45, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolCHAP}
			})
			link.SetVerifier(v)
			out := openLCP(link)

			challenge := find(out, ppp.ProtocolCHAP, ppp.CHAPCodeChallenge)
			Expect(challenge).NotTo(BeNil())
			value := challenge.Data[1 : 1+ppp.CHAPChallengeLen]
			digest := ppp.CHAPResponse(challenge.Identifier, []byte("letmein"), value)
			response := append(append([]byte{uint8(len(digest))}, digest...), "carol"...)

			link.Input(ctrlFrame(ppp.ProtocolCHAP, ppp.CHAPCodeResponse, challenge.Identifier, response))
			Eventually(v.entered).Should(Receive())
			Eventually(link.VerifyPending).Should(BeFalse())

			Expect(find(drain(link), ppp.ProtocolCHAP, ppp.CHAPCodeFailure)).To(BeNil())
			st := link.Status()
			Expect(st.AuthFailures).To(BeZero())
			Expect(st.CHAP).To(Equal(ppp.StateReqSent))
			Expect(st.LCP).To(Equal(ppp.StateOpened))
		})
	})

	Describe("Failure budget", func() {
		It("should refuse to restart LCP once the budget is spent", func() {
			// Given a link that allows a single failure
			link = newTestLink(38, func(c *ppp.Config) {
				c.MaxAuthFailures = 1
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			openLCP(link)

			// When the peer fails once
			link.Input(papRequest(1, "bob", "nope"))
			out := drain(link)
			Expect(find(out, ppp.ProtocolPAP, ppp.PAPCodeAuthNak)).NotTo(BeNil())
			term := find(out, ppp.ProtocolLCP, ppp.CodeTermRequest)
			Expect(term).NotTo(BeNil())
			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeTermAck, term.Identifier, nil))
			Expect(link.Status().AuthLocked).To(BeTrue())

			// Then a fresh start is refused, even once the carrier returns
			link.Down()
			link.Open()
			st := link.Status()
			Expect(st.Up).To(BeFalse())
			Expect(st.Phase).To(Equal(ppp.PhaseDead))
			Expect(st.LCP).To(Equal(ppp.StateStarting))

			link.Up()
			Expect(find(drain(link), ppp.ProtocolLCP, ppp.CodeConfigRequest)).To(BeNil())
			Expect(link.Status().LCP).To(Equal(ppp.StateStarting))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseDead))

			// And replacing the credentials clears the budget
			Expect(link.SetAuth(ppp.AuthCredentials{}, ppp.AuthCredentials{
				Proto: ppp.ProtocolPAP, Name: "bob", Secret: "new",
			})).To(Succeed())
			Expect(link.Status().AuthFailures).To(BeZero())
			Expect(link.Status().AuthLocked).To(BeFalse())
		})
	})

	Describe("Locked link", func() {
		lockedLink := func(seed int64, passive bool) *ppp.Link {
			l := newTestLink(seed, func(c *ppp.Config) {
				c.Passive = passive
				c.MaxAuthFailures = 1
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			l.SpendAuthBudget()
			return l
		}

		It("should not send a Configure-Request on Open", func() {
			link = lockedLink(46, false)
			link.Up()
			link.Open()

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().LCP).To(Equal(ppp.StateClosed))
		})

		It("should not start a passive link on carrier Up", func() {
			link = lockedLink(47, true)
			link.Open()
			link.Up()
			link.Down()
			link.Up()

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().LCP).To(Equal(ppp.StateStarting))
			Expect(link.Status().Phase).To(Equal(ppp.PhaseDead))
		})

		It("should ignore a peer's Configure-Request while Stopped", func() {
			link = lockedLink(48, false)
			link.ForceState(ppp.ProtocolLCP, ppp.StateStopped)

			link.Input(ctrlFrame(ppp.ProtocolLCP, ppp.CodeConfigRequest, 1, optBytes(magicOpt(peerMagic))))

			Expect(drain(link)).To(BeEmpty())
			Expect(link.Status().LCP).To(Equal(ppp.StateStopped))
		})
	})

	Describe("SetAuth", func() {
		It("should be refused while authentication is running", func() {
			link = newTestLink(39, func(c *ppp.Config) {
				c.HisAuth = ppp.AuthCredentials{Proto: ppp.ProtocolPAP, Name: "bob", Secret: "pw"}
			})
			Expect(link.SetAuth(ppp.AuthCredentials{}, ppp.AuthCredentials{
				Proto: ppp.ProtocolCHAP, Name: "bob", Secret: "pw",
			})).To(Succeed())

			openLCP(link)
			Expect(link.Status().CHAP).To(Equal(ppp.StateReqSent))

			err := link.SetAuth(ppp.AuthCredentials{}, ppp.AuthCredentials{})
			Expect(errors.Is(err, ppp.ErrAuthBusy)).To(BeTrue())
		})

		It("should validate the protocol", func() {
			link = newTestLink(40, nil)
			err := link.SetAuth(ppp.AuthCredentials{Proto: 0x1234}, ppp.AuthCredentials{})
			Expect(err).To(HaveOccurred())
		})
	})
})
