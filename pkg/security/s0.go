package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// S0 parameters.
const (
	s0NonceSize = 8
	s0MACSize   = 8

	// DefaultNonceLifetime bounds how long an issued or received nonce
	// stays usable.
	DefaultNonceLifetime = 5 * time.Second
)

// S0 errors.
var (
	// ErrNonceRequired indicates no fresh receiver nonce is cached; the
	// caller must run a NonceGet handshake first.
	ErrNonceRequired = errors.New("s0: receiver nonce required")

	// ErrUnknownNonce indicates a message referencing a nonce id that is
	// not in the table.
	ErrUnknownNonce = errors.New("s0: unknown nonce id")

	// ErrS0Auth indicates a CBC-MAC mismatch.
	ErrS0Auth = errors.New("s0: message authentication failed")
)

type s0Nonce struct {
	value   [s0NonceSize]byte
	issued  time.Time
	expires time.Time
}

// S0Manager implements S0 encapsulation. It satisfies the encapsulation
// pipeline's Codec interface.
type S0Manager struct {
	ownNodeID uint8
	lifetime  time.Duration

	encKey  [blockSize]byte
	authKey [blockSize]byte

	mu sync.Mutex
	// received holds nonces other nodes issued to us, keyed by node id.
	received map[uint8]s0Nonce
	// issued holds nonces we handed out, keyed by their first byte.
	issued map[uint8]s0Nonce
}

// NewS0Manager creates an S0 manager from the S0 network key.
func NewS0Manager(ownNodeID uint8, networkKey []byte, nonceLifetime time.Duration) (*S0Manager, error) {
	if len(networkKey) != blockSize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(networkKey))
	}
	if nonceLifetime <= 0 {
		nonceLifetime = DefaultNonceLifetime
	}

	block, err := aes.NewCipher(networkKey)
	if err != nil {
		return nil, err
	}

	m := &S0Manager{
		ownNodeID: ownNodeID,
		lifetime:  nonceLifetime,
		received:  make(map[uint8]s0Nonce),
		issued:    make(map[uint8]s0Nonce),
	}
	// Kenc = E(NK, 0xAA..), Kauth = E(NK, 0x55..).
	encSeed := blockOf(0xAA)
	authSeed := blockOf(0x55)
	block.Encrypt(m.encKey[:], encSeed[:])
	block.Encrypt(m.authKey[:], authSeed[:])
	return m, nil
}

// Flag returns the security encapsulation flag.
func (m *S0Manager) Flag() cc.EncapFlags { return cc.EncapSecurity }

// Matches reports whether the command is an S0 message encapsulation.
func (m *S0Manager) Matches(c *cc.Command) bool {
	return c.Class == cc.ClassSecurity &&
		(c.Command == cc.SecurityMessageEncap || c.Command == cc.SecurityMessageEncapNonceGet)
}

// IssueNonce creates a fresh nonce for a peer's NonceGet and records it
// for single use.
func (m *S0Manager) IssueNonce(nodeID uint8) (*cc.Command, error) {
	var nonce [s0NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	m.mu.Lock()
	now := time.Now()
	m.issued[nonce[0]] = s0Nonce{value: nonce, issued: now, expires: now.Add(m.lifetime)}
	m.mu.Unlock()

	return cc.New(nodeID, cc.ClassSecurity, cc.SecurityNonceReport, nonce[:]), nil
}

// StoreReceivedNonce records a nonce a peer reported to us.
func (m *S0Manager) StoreReceivedNonce(nodeID uint8, nonce []byte) error {
	if len(nonce) != s0NonceSize {
		return fmt.Errorf("s0: nonce must be %d bytes, got %d", s0NonceSize, len(nonce))
	}
	var v [s0NonceSize]byte
	copy(v[:], nonce)

	m.mu.Lock()
	now := time.Now()
	m.received[nodeID] = s0Nonce{value: v, issued: now, expires: now.Add(m.lifetime)}
	m.mu.Unlock()
	return nil
}

// HasNonce reports whether a fresh receiver nonce is cached for the node.
func (m *S0Manager) HasNonce(nodeID uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.received[nodeID]
	return ok && time.Now().Before(n.expires)
}

// NonceGet builds the handshake request for a peer.
func (m *S0Manager) NonceGet(nodeID uint8) *cc.Command {
	return cc.New(nodeID, cc.ClassSecurity, cc.SecurityNonceGet, nil)
}

// Wrap encapsulates the command for its node. The cached receiver nonce
// is consumed; without one, ErrNonceRequired is returned and the caller
// schedules the NonceGet handshake.
func (m *S0Manager) Wrap(c *cc.Command) (*cc.Command, error) {
	m.mu.Lock()
	receiver, ok := m.received[c.NodeID]
	if !ok || time.Now().After(receiver.expires) {
		delete(m.received, c.NodeID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %d", ErrNonceRequired, c.NodeID)
	}
	// Single use.
	delete(m.received, c.NodeID)
	m.mu.Unlock()

	var senderNonce [s0NonceSize]byte
	if _, err := rand.Read(senderNonce[:]); err != nil {
		return nil, err
	}

	// Sequencing byte: always a single unsequenced frame here; larger
	// commands go through Transport Service below this layer.
	plaintext := append([]byte{0x00}, c.Bytes()...)
	ciphertext := make([]byte, len(plaintext))
	m.cryptOFB(senderNonce, receiver.value, ciphertext, plaintext)

	mac := m.mac(cc.SecurityMessageEncap, m.ownNodeID, c.NodeID, senderNonce, receiver.value, ciphertext)

	payload := make([]byte, 0, s0NonceSize+len(ciphertext)+1+s0MACSize)
	payload = append(payload, senderNonce[:]...)
	payload = append(payload, ciphertext...)
	payload = append(payload, receiver.value[0])
	payload = append(payload, mac[:]...)

	out := cc.New(c.NodeID, cc.ClassSecurity, cc.SecurityMessageEncap, payload)
	out.Endpoint = c.Endpoint
	return out, nil
}

// Unwrap authenticates and decrypts an inbound S0 encapsulation.
func (m *S0Manager) Unwrap(c *cc.Command) (*cc.Command, error) {
	if len(c.Payload) < s0NonceSize+1+1+s0MACSize {
		return nil, fmt.Errorf("%w: s0 encap %d bytes", cc.ErrTooShort, len(c.Payload))
	}

	var senderNonce [s0NonceSize]byte
	copy(senderNonce[:], c.Payload[:s0NonceSize])
	macStart := len(c.Payload) - s0MACSize
	nonceID := c.Payload[macStart-1]
	ciphertext := c.Payload[s0NonceSize : macStart-1]
	gotMAC := c.Payload[macStart:]

	m.mu.Lock()
	receiver, ok := m.issued[nonceID]
	if ok {
		delete(m.issued, nonceID)
	}
	m.mu.Unlock()
	if !ok || time.Now().After(receiver.expires) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownNonce, nonceID)
	}

	wantMAC := m.mac(c.Command, c.NodeID, m.ownNodeID, senderNonce, receiver.value, ciphertext)
	if subtle.ConstantTimeCompare(gotMAC, wantMAC[:]) != 1 {
		return nil, ErrS0Auth
	}

	plaintext := make([]byte, len(ciphertext))
	m.cryptOFB(senderNonce, receiver.value, plaintext, ciphertext)
	if len(plaintext) < 1 {
		return nil, fmt.Errorf("%w: empty s0 plaintext", cc.ErrTooShort)
	}

	// Strip the sequencing byte.
	inner, err := cc.Parse(c.NodeID, plaintext[1:])
	if err != nil {
		return nil, err
	}
	inner.Endpoint = c.Endpoint
	return inner, nil
}

// cryptOFB applies AES-OFB with IV = senderNonce || receiverNonce.
func (m *S0Manager) cryptOFB(senderNonce, receiverNonce [s0NonceSize]byte, dst, src []byte) {
	block, _ := aes.NewCipher(m.encKey[:])
	var iv [blockSize]byte
	copy(iv[:s0NonceSize], senderNonce[:])
	copy(iv[s0NonceSize:], receiverNonce[:])
	cipher.NewOFB(block, iv[:]).XORKeyStream(dst, src)
}

// mac computes the 8-byte CBC-MAC over the security header and ciphertext
// using IV = senderNonce || receiverNonce.
func (m *S0Manager) mac(command, sender, receiver uint8, senderNonce, receiverNonce [s0NonceSize]byte, ciphertext []byte) [s0MACSize]byte {
	block, _ := aes.NewCipher(m.authKey[:])

	data := make([]byte, 0, 4+len(ciphertext))
	data = append(data, command, sender, receiver, uint8(len(ciphertext)))
	data = append(data, ciphertext...)

	var iv [blockSize]byte
	copy(iv[:s0NonceSize], senderNonce[:])
	copy(iv[s0NonceSize:], receiverNonce[:])

	var state [blockSize]byte
	block.Encrypt(state[:], iv[:])
	for off := 0; off < len(data); off += blockSize {
		var blk [blockSize]byte
		copy(blk[:], data[off:])
		xorBlock(&state, &blk)
		block.Encrypt(state[:], state[:])
	}

	var mac [s0MACSize]byte
	copy(mac[:], state[:s0MACSize])
	return mac
}

// ExpireNonces drops stale entries from both tables.
func (m *S0Manager) ExpireNonces() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.received {
		if now.After(n.expires) {
			delete(m.received, id)
		}
	}
	for id, n := range m.issued {
		if now.After(n.expires) {
			delete(m.issued, id)
		}
	}
}
