package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// CCM parameters: 13-byte nonce and an 8-byte tag, so the length field
// is 2 bytes.
const (
	ccmNonceSize = 13
	ccmTagSize   = 8
	ccmLenSize   = 15 - ccmNonceSize
)

// CCM errors.
var (
	ErrCCMBadNonce        = errors.New("ccm: invalid nonce size")
	ErrCCMTooShort        = errors.New("ccm: ciphertext too short")
	ErrCCMAuthFailed      = errors.New("ccm: message authentication failed")
	errCCMBadKey          = errors.New("ccm: invalid key size, must be 16 bytes")
	errCCMPlaintextLength = errors.New("ccm: plaintext too long")
)

// ccmSeal encrypts and authenticates plaintext, returning ciphertext||tag.
func ccmSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := ccmCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(plaintext) >= 1<<(8*ccmLenSize) {
		return nil, errCCMPlaintextLength
	}

	tag := ccmTag(block, nonce, plaintext, aad)
	out := make([]byte, len(plaintext)+ccmTagSize)

	s0 := ccmKeystreamBlock(block, nonce, 0)
	for i := 0; i < ccmTagSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	ccmCTR(block, nonce, out[:len(plaintext)], plaintext)
	return out, nil
}

// ccmOpen verifies and decrypts ciphertext||tag.
func ccmOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := ccmCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < ccmTagSize {
		return nil, ErrCCMTooShort
	}

	body := ciphertext[:len(ciphertext)-ccmTagSize]
	encTag := ciphertext[len(ciphertext)-ccmTagSize:]

	s0 := ccmKeystreamBlock(block, nonce, 0)
	gotTag := make([]byte, ccmTagSize)
	for i := range gotTag {
		gotTag[i] = encTag[i] ^ s0[i]
	}

	plaintext := make([]byte, len(body))
	ccmCTR(block, nonce, plaintext, body)

	wantTag := ccmTag(block, nonce, plaintext, aad)
	if subtle.ConstantTimeCompare(gotTag, wantTag[:ccmTagSize]) != 1 {
		return nil, ErrCCMAuthFailed
	}
	return plaintext, nil
}

func ccmCipher(key, nonce []byte) (cipher.Block, error) {
	if len(key) != blockSize {
		return nil, errCCMBadKey
	}
	if len(nonce) != ccmNonceSize {
		return nil, ErrCCMBadNonce
	}
	return aes.NewCipher(key)
}

// ccmTag computes the CBC-MAC over B0, the encoded AAD and the plaintext.
func ccmTag(block cipher.Block, nonce, plaintext, aad []byte) [blockSize]byte {
	var b0 [blockSize]byte
	flags := byte(ccmLenSize - 1)
	flags |= byte((ccmTagSize - 2) / 2 << 3)
	if len(aad) > 0 {
		flags |= 1 << 6
	}
	b0[0] = flags
	copy(b0[1:1+ccmNonceSize], nonce)
	binary.BigEndian.PutUint16(b0[blockSize-ccmLenSize:], uint16(len(plaintext)))

	var mac [blockSize]byte
	block.Encrypt(mac[:], b0[:])

	if len(aad) > 0 {
		var first [blockSize]byte
		binary.BigEndian.PutUint16(first[0:2], uint16(len(aad)))
		n := copy(first[2:], aad)
		xorBlock(&mac, &first)
		block.Encrypt(mac[:], mac[:])

		rest := aad[n:]
		for len(rest) > 0 {
			var blk [blockSize]byte
			n := copy(blk[:], rest)
			rest = rest[n:]
			xorBlock(&mac, &blk)
			block.Encrypt(mac[:], mac[:])
		}
	}

	rest := plaintext
	for len(rest) > 0 {
		var blk [blockSize]byte
		n := copy(blk[:], rest)
		rest = rest[n:]
		xorBlock(&mac, &blk)
		block.Encrypt(mac[:], mac[:])
	}
	return mac
}

// ccmKeystreamBlock returns E(K, A_i) for counter i.
func ccmKeystreamBlock(block cipher.Block, nonce []byte, counter uint16) [blockSize]byte {
	var a [blockSize]byte
	a[0] = byte(ccmLenSize - 1)
	copy(a[1:1+ccmNonceSize], nonce)
	binary.BigEndian.PutUint16(a[blockSize-ccmLenSize:], counter)
	block.Encrypt(a[:], a[:])
	return a
}

// ccmCTR applies CTR keystream starting at counter 1.
func ccmCTR(block cipher.Block, nonce []byte, dst, src []byte) {
	counter := uint16(1)
	for i := 0; i < len(src); i += blockSize {
		ks := ccmKeystreamBlock(block, nonce, counter)
		counter++
		end := i + blockSize
		if end > len(src) {
			end = len(src)
		}
		for j := i; j < end; j++ {
			dst[j] = src[j] ^ ks[j-i]
		}
	}
}
