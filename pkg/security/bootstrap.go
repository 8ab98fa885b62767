package security

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KEXFailType is the failure code reported when S2 bootstrapping aborts.
type KEXFailType uint8

const (
	KEXFailNone KEXFailType = iota
	KEXFailKey
	KEXFailScheme
	KEXFailCurves
	KEXFailDecrypt
	KEXFailCancel
	KEXFailAuth
	KEXFailKeyGet
	KEXFailKeyVerify
	KEXFailKeyReport

	// KEXFailBootstrappingCanceled covers host-side aborts, including
	// repeated decode failures mid-bootstrap.
	KEXFailBootstrappingCanceled
)

// String returns the failure name.
func (k KEXFailType) String() string {
	switch k {
	case KEXFailNone:
		return "None"
	case KEXFailKey:
		return "KEX_Key"
	case KEXFailScheme:
		return "KEX_Scheme"
	case KEXFailCurves:
		return "KEX_Curves"
	case KEXFailDecrypt:
		return "Decrypt"
	case KEXFailCancel:
		return "Cancel"
	case KEXFailAuth:
		return "Auth"
	case KEXFailKeyGet:
		return "KeyGet"
	case KEXFailKeyVerify:
		return "KeyVerify"
	case KEXFailKeyReport:
		return "KeyReport"
	case KEXFailBootstrappingCanceled:
		return "BootstrappingCanceled"
	default:
		return fmt.Sprintf("KEXFailType(%d)", uint8(k))
	}
}

// Bootstrap errors.
var (
	ErrBootstrapAborted = errors.New("s2: bootstrap aborted")
	errPublicKeyLength  = errors.New("s2: public keys must be 32 bytes")
)

// ECDHKeyPair holds a Curve25519 key pair for the KEX exchange.
type ECDHKeyPair struct {
	Public  [curve25519.PointSize]byte
	private [curve25519.ScalarSize]byte
}

// GenerateECDHKeyPair creates a fresh key pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	kp := &ECDHKeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the ECDH shared secret with a peer public key.
func (kp *ECDHKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, errPublicKeyLength
	}
	return curve25519.X25519(kp.private[:], peerPublic)
}

// InstallTemporaryKey derives the bootstrap key from the ECDH shared
// secret and both public keys and installs it in the keyring. The first
// public key must be the including side's.
func InstallTemporaryKey(keyring *Keyring, sharedSecret, publicKeyA, publicKeyB []byte) error {
	if len(sharedSecret) < blockSize {
		return fmt.Errorf("%w: got %d", ErrKeyLength, len(sharedSecret))
	}
	if len(publicKeyA) != curve25519.PointSize || len(publicKeyB) != curve25519.PointSize {
		return errPublicKeyLength
	}
	temp := ckdfTempExtract(sharedSecret, publicKeyA, publicKeyB)
	return keyring.SetKey(KeyClassTemporary, temp[:])
}

// AbortBootstrap retires the temporary key and returns the error carried
// to the peer.
func AbortBootstrap(keyring *Keyring, fail KEXFailType) error {
	keyring.RetireTemporary()
	return fmt.Errorf("%w: %s", ErrBootstrapAborted, fail)
}
