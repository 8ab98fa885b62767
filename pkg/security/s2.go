package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// S2 frame layout constants.
const (
	s2EntropySize = 16

	// Extension type field, low 6 bits of the type byte.
	s2ExtSPAN = 0x01
	s2ExtMPAN = 0x02
	s2ExtMGRP = 0x03
	s2ExtMOS  = 0x04

	s2ExtMoreToFollow = 0x80
	s2ExtCritical     = 0x40

	// How many nonces to try from the DRBG before declaring the SPAN lost.
	s2DecryptAttempts = 5
)

// Header bits of the MessageEncap properties byte.
const (
	s2HasExtension          = 0x01
	s2HasEncryptedExtension = 0x02
)

// S2 errors.
var (
	// ErrNotInitialized indicates no key material is installed for any
	// class the peer was granted.
	ErrNotInitialized = errors.New("s2: no key material installed")

	// ErrNoSPAN indicates no singlecast nonce state exists for the peer;
	// the sender must be asked for new entropy.
	ErrNoSPAN = errors.New("s2: no SPAN for node")

	// ErrCannotDecode indicates authentication failed for every nonce
	// candidate; the SPAN is desynchronized and has been reset.
	ErrCannotDecode = errors.New("s2: cannot decode message")

	// ErrDuplicate indicates a replayed sequence number.
	ErrDuplicate = errors.New("s2: duplicate sequence number")

	errBadEntropy = errors.New("s2: entropy input must be 16 bytes")
)

// spanState tracks the singlecast nonce negotiation with one peer.
type spanState int

const (
	// spanNone: no state at all.
	spanNone spanState = iota
	// spanLocalEI: we generated receiver entropy and sent it; waiting
	// for the peer's first encapsulation carrying its sender entropy.
	spanLocalEI
	// spanRemoteEI: the peer sent us its entropy via Nonce Report; we
	// instantiate the DRBG on our next outbound encapsulation.
	spanRemoteEI
	// spanActive: DRBG instantiated, nonces flowing.
	spanActive
)

type span struct {
	state spanState
	// localEI is our entropy while waiting for the peer's (spanLocalEI),
	// remoteEI the peer's while waiting to send (spanRemoteEI).
	localEI  [s2EntropySize]byte
	remoteEI [s2EntropySize]byte
	drbg     *ctrDRBG
	class    KeyClass
}

// mpanState holds the multicast nonce chain for one group.
type mpanState struct {
	inner   [blockSize]byte
	class   KeyClass
	groupID uint8
}

// S2Manager implements S2 encapsulation over the keyring. It satisfies
// the encapsulation pipeline's Codec interface.
type S2Manager struct {
	ownNodeID uint8
	homeID    uint32
	keyring   *Keyring

	mu    sync.Mutex
	spans map[uint8]*span
	mpans map[uint8]*mpanState
	// seq holds our outbound sequence counter and the last inbound
	// sequence number per peer.
	seqOut  uint8
	seqSeen map[uint8]uint8
	// classFor records which granted class to use per peer.
	classFor map[uint8]KeyClass
	// mosPending marks peers that reported multicast-out-of-sync.
	mosPending map[uint8]bool
}

// NewS2Manager creates an S2 manager bound to a keyring.
func NewS2Manager(ownNodeID uint8, homeID uint32, keyring *Keyring) *S2Manager {
	return &S2Manager{
		ownNodeID:  ownNodeID,
		homeID:     homeID,
		keyring:    keyring,
		spans:      make(map[uint8]*span),
		mpans:      make(map[uint8]*mpanState),
		seqSeen:    make(map[uint8]uint8),
		classFor:   make(map[uint8]KeyClass),
		mosPending: make(map[uint8]bool),
	}
}

// Flag returns the security encapsulation flag.
func (m *S2Manager) Flag() cc.EncapFlags { return cc.EncapSecurity }

// Matches reports whether the command is an S2 message encapsulation.
func (m *S2Manager) Matches(c *cc.Command) bool {
	return c.Class == cc.ClassSecurity2 && c.Command == cc.Security2MessageEncap
}

// SetNodeClass records the strongest granted class for a peer.
func (m *S2Manager) SetNodeClass(nodeID uint8, class KeyClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classFor[nodeID] = class
}

// NodeClass returns the class used for a peer, or KeyClassNone.
func (m *S2Manager) NodeClass(nodeID uint8) KeyClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classFor[nodeID]
}

// HasSPAN reports whether an established or establishable nonce state
// exists for the peer.
func (m *S2Manager) HasSPAN(nodeID uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spans[nodeID]
	return ok && (s.state == spanActive || s.state == spanRemoteEI)
}

// ResetSPAN discards the nonce state for a peer.
func (m *S2Manager) ResetSPAN(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spans, nodeID)
}

func (m *S2Manager) nextSeq() uint8 {
	m.seqOut++
	return m.seqOut
}

// NonceGet builds a Security 2 Nonce Get for a peer.
func (m *S2Manager) NonceGet(nodeID uint8) *cc.Command {
	m.mu.Lock()
	seq := m.nextSeq()
	m.mu.Unlock()
	return cc.New(nodeID, cc.ClassSecurity2, cc.Security2NonceGet, []byte{seq})
}

// NonceReport answers a peer's Nonce Get with fresh receiver entropy.
// The SOS bit is always set; MOS is set when our multicast state for the
// peer's group is out of sync.
func (m *S2Manager) NonceReport(nodeID uint8) (*cc.Command, error) {
	var ei [s2EntropySize]byte
	if _, err := rand.Read(ei[:]); err != nil {
		return nil, err
	}

	m.mu.Lock()
	seq := m.nextSeq()
	class := m.classFor[nodeID]
	m.spans[nodeID] = &span{state: spanLocalEI, localEI: ei, class: class}
	mos := m.mosPending[nodeID]
	delete(m.mosPending, nodeID)
	m.mu.Unlock()

	// Properties: bit 0 = SOS, bit 1 = MOS.
	props := byte(0x01)
	if mos {
		props |= 0x02
	}
	payload := make([]byte, 0, 2+s2EntropySize)
	payload = append(payload, seq, props)
	payload = append(payload, ei[:]...)
	return cc.New(nodeID, cc.ClassSecurity2, cc.Security2NonceReport, payload), nil
}

// HandleNonceReport ingests a peer's Nonce Report. The carried entropy
// becomes the receiver half of the next SPAN we instantiate.
func (m *S2Manager) HandleNonceReport(nodeID uint8, payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("%w: nonce report %d bytes", cc.ErrTooShort, len(payload))
	}
	props := payload[1]
	sos := props&0x01 != 0
	mos := props&0x02 != 0

	m.mu.Lock()
	defer m.mu.Unlock()
	if mos {
		// Peer lost our multicast chain; resync on next singlecast
		// followup.
		m.mosPending[nodeID] = true
	}
	if !sos {
		return nil
	}
	if len(payload) < 2+s2EntropySize {
		return fmt.Errorf("%w: nonce report %d bytes", cc.ErrTooShort, len(payload))
	}
	s := &span{state: spanRemoteEI, class: m.classFor[nodeID]}
	copy(s.remoteEI[:], payload[2:2+s2EntropySize])
	m.spans[nodeID] = s
	return nil
}

// instantiate builds the SPAN DRBG from sender and receiver entropy.
// Caller holds the lock.
func (m *S2Manager) instantiate(s *span, senderEI, receiverEI []byte, class KeyClass) error {
	if len(senderEI) != s2EntropySize || len(receiverEI) != s2EntropySize {
		return errBadEntropy
	}
	derived, err := m.keyring.Derived(class)
	if err != nil {
		return err
	}
	mei := ckdfMEI(senderEI, receiverEI)
	drbg, err := newCTRDRBG(mei[:], derived.personalization[:])
	if err != nil {
		return err
	}
	s.drbg = drbg
	s.state = spanActive
	s.class = class
	return nil
}

// ccmNonce builds the 13-byte CCM nonce from a 16-byte DRBG output.
func ccmNonce(block [blockSize]byte) []byte {
	return block[:ccmNonceSize]
}

// aad builds the CCM additional data: sender, destination, home id,
// total length, and the unencrypted frame header (sequence, properties,
// extensions).
func (m *S2Manager) aad(sender, dest uint8, msgLen int, header []byte) []byte {
	out := make([]byte, 0, 8+len(header))
	out = append(out, sender, dest,
		byte(m.homeID>>24), byte(m.homeID>>16), byte(m.homeID>>8), byte(m.homeID))
	out = append(out, byte(msgLen>>8), byte(msgLen))
	out = append(out, header...)
	return out
}

// Wrap encapsulates a command for its node. When the SPAN holds fresh
// peer entropy the frame carries our own entropy in a SPAN extension so
// the receiver can instantiate the same generator.
func (m *S2Manager) Wrap(c *cc.Command) (*cc.Command, error) {
	m.mu.Lock()
	class, ok := m.classFor[c.NodeID]
	if !ok || class == KeyClassNone {
		// Fall back to the strongest installed class.
		for _, cl := range m.keyring.Classes() {
			if cl.IsS2() {
				class = cl
				break
			}
		}
	}
	if class == KeyClassNone {
		m.mu.Unlock()
		return nil, ErrNotInitialized
	}
	derived, err := m.keyring.Derived(class)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrNotInitialized, c.NodeID)
	}

	s, ok := m.spans[c.NodeID]
	if !ok || s.state == spanNone || s.state == spanLocalEI {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrNoSPAN, c.NodeID)
	}

	var ext []byte
	if s.state == spanRemoteEI {
		// First frame after a Nonce Report: instantiate with our
		// entropy as sender and include it for the peer.
		var senderEI [s2EntropySize]byte
		if _, err := rand.Read(senderEI[:]); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if err := m.instantiate(s, senderEI[:], s.remoteEI[:], class); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ext = make([]byte, 0, 2+s2EntropySize)
		ext = append(ext, byte(2+s2EntropySize), s2ExtSPAN|s2ExtCritical)
		ext = append(ext, senderEI[:]...)
	}

	seq := m.nextSeq()
	nonce := s.drbg.Generate()
	m.mu.Unlock()

	props := byte(0)
	if len(ext) > 0 {
		props |= s2HasExtension
	}
	header := make([]byte, 0, 2+len(ext))
	header = append(header, seq, props)
	header = append(header, ext...)

	plaintext := c.Bytes()
	// Total encapsulation length: class, command, header, ciphertext, tag.
	msgLen := 2 + len(header) + len(plaintext) + ccmTagSize
	aad := m.aad(m.ownNodeID, c.NodeID, msgLen, header)

	ciphertext, err := ccmSeal(derived.ccmKey[:], ccmNonce(nonce), plaintext, aad)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, len(header)+len(ciphertext))
	payload = append(payload, header...)
	payload = append(payload, ciphertext...)

	out := cc.New(c.NodeID, cc.ClassSecurity2, cc.Security2MessageEncap, payload)
	out.Endpoint = c.Endpoint
	return out, nil
}

// parseExtensions walks the unencrypted extension list, returning the
// SPAN sender entropy if present and the byte length consumed.
func parseExtensions(data []byte) (senderEI []byte, n int, err error) {
	off := 0
	for {
		if off+2 > len(data) {
			return nil, 0, fmt.Errorf("%w: s2 extension header", cc.ErrTooShort)
		}
		length := int(data[off])
		typ := data[off+1]
		if length < 2 || off+length > len(data) {
			return nil, 0, fmt.Errorf("%w: s2 extension body", cc.ErrTooShort)
		}
		switch typ & 0x3F {
		case s2ExtSPAN:
			if length != 2+s2EntropySize {
				return nil, 0, errBadEntropy
			}
			senderEI = data[off+2 : off+2+s2EntropySize]
		}
		off += length
		if typ&s2ExtMoreToFollow == 0 {
			return senderEI, off, nil
		}
	}
}

// Unwrap authenticates and decrypts an inbound S2 encapsulation. When
// the immediate nonce fails it advances the generator a bounded number
// of times before resetting the SPAN and reporting ErrCannotDecode.
func (m *S2Manager) Unwrap(c *cc.Command) (*cc.Command, error) {
	if len(c.Payload) < 2 {
		return nil, fmt.Errorf("%w: s2 encap %d bytes", cc.ErrTooShort, len(c.Payload))
	}
	seq := c.Payload[0]
	props := c.Payload[1]

	headerLen := 2
	var senderEI []byte
	if props&s2HasExtension != 0 {
		ei, n, err := parseExtensions(c.Payload[2:])
		if err != nil {
			return nil, err
		}
		senderEI = ei
		headerLen += n
	}
	if len(c.Payload) < headerLen+ccmTagSize {
		return nil, fmt.Errorf("%w: s2 encap %d bytes", cc.ErrTooShort, len(c.Payload))
	}
	header := c.Payload[:headerLen]
	ciphertext := c.Payload[headerLen:]

	m.mu.Lock()
	if last, ok := m.seqSeen[c.NodeID]; ok && last == seq {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d seq %d", ErrDuplicate, c.NodeID, seq)
	}

	s, ok := m.spans[c.NodeID]
	if senderEI != nil {
		// Peer started a new SPAN using the entropy we reported.
		if !ok || s.state != spanLocalEI {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: node %d", ErrNoSPAN, c.NodeID)
		}
		class := s.class
		if class == KeyClassNone {
			class = m.classFor[c.NodeID]
		}
		if err := m.instantiate(s, senderEI, s.localEI[:], class); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	if s == nil || s.state != spanActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrNoSPAN, c.NodeID)
	}
	derived, err := m.keyring.Derived(s.class)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrNotInitialized, c.NodeID)
	}

	msgLen := 2 + len(c.Payload)
	aad := m.aad(c.NodeID, m.ownNodeID, msgLen, header)

	var plaintext []byte
	decodeErr := error(ErrCannotDecode)
	for i := 0; i < s2DecryptAttempts; i++ {
		nonce := s.drbg.Generate()
		plaintext, err = ccmOpen(derived.ccmKey[:], ccmNonce(nonce), ciphertext, aad)
		if err == nil {
			decodeErr = nil
			break
		}
	}
	if decodeErr != nil {
		// Generator is out of sync with the peer. Drop it so the next
		// exchange renegotiates entropy.
		delete(m.spans, c.NodeID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrCannotDecode, c.NodeID)
	}
	m.seqSeen[c.NodeID] = seq
	m.mu.Unlock()

	if props&s2HasEncryptedExtension != 0 {
		plaintext, err = m.consumeEncryptedExtensions(c.NodeID, plaintext)
		if err != nil {
			return nil, err
		}
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty s2 plaintext", cc.ErrTooShort)
	}

	inner, err := cc.Parse(c.NodeID, plaintext)
	if err != nil {
		return nil, err
	}
	inner.Endpoint = c.Endpoint
	return inner, nil
}

// consumeEncryptedExtensions strips the encrypted extension list from
// decrypted plaintext, recording MPAN state carried in it.
func (m *S2Manager) consumeEncryptedExtensions(nodeID uint8, plaintext []byte) ([]byte, error) {
	off := 0
	for {
		if off+2 > len(plaintext) {
			return nil, fmt.Errorf("%w: s2 encrypted extension", cc.ErrTooShort)
		}
		length := int(plaintext[off])
		typ := plaintext[off+1]
		if length < 2 || off+length > len(plaintext) {
			return nil, fmt.Errorf("%w: s2 encrypted extension", cc.ErrTooShort)
		}
		switch typ & 0x3F {
		case s2ExtMPAN:
			if length == 2+1+blockSize {
				group := plaintext[off+2]
				var inner [blockSize]byte
				copy(inner[:], plaintext[off+3:off+3+blockSize])
				m.mu.Lock()
				m.mpans[group] = &mpanState{inner: inner, groupID: group, class: m.classFor[nodeID]}
				m.mu.Unlock()
			}
		}
		off += length
		if typ&s2ExtMoreToFollow == 0 {
			return plaintext[off:], nil
		}
	}
}

// MarkMOS flags that our multicast chain for the peer's group is out of
// sync; the next Nonce Report to that peer carries the MOS bit.
func (m *S2Manager) MarkMOS(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mosPending[nodeID] = true
}
