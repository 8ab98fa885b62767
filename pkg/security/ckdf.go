package security

// CMAC-based key derivation chains for S2.

// Derivation constants.
var (
	constNonce = blockOf(0x26)
	constEI    = blockOf(0x88)
	constNK    = blockOf(0x55)
)

func blockOf(b byte) [blockSize]byte {
	var out [blockSize]byte
	for i := range out {
		out[i] = b
	}
	return out
}

// derivedKeys is the working material expanded from one network key.
type derivedKeys struct {
	// ccmKey encrypts and authenticates message encapsulations.
	ccmKey [blockSize]byte

	// personalization seeds each SPAN's DRBG alongside the mixed entropy.
	personalization [drbgSeedLen]byte

	// mpanKey protects multicast MPAN state.
	mpanKey [blockSize]byte
}

// ckdfExpand derives the CCM key, the DRBG personalization string and the
// MPAN key from a 16-byte network key.
func ckdfExpand(networkKey []byte) derivedKeys {
	t1 := cmac(networkKey, append(constNK[:15:15], 0x01))
	t2 := cmac(networkKey, appendByte(t1, constNK[:15], 0x02))
	t3 := cmac(networkKey, appendByte(t2, constNK[:15], 0x03))
	t4 := cmac(networkKey, appendByte(t3, constNK[:15], 0x04))

	var d derivedKeys
	d.ccmKey = t1
	copy(d.personalization[:blockSize], t2[:])
	copy(d.personalization[blockSize:], t3[:])
	d.mpanKey = t4
	return d
}

// ckdfMEI mixes sender and receiver entropy input into the 32-byte DRBG
// seed for a SPAN.
func ckdfMEI(senderEI, receiverEI []byte) [drbgSeedLen]byte {
	input := make([]byte, 0, len(senderEI)+len(receiverEI))
	input = append(input, senderEI...)
	input = append(input, receiverEI...)
	noncePRK := cmac(constNonce[:], input)

	t1 := cmac(noncePRK[:], append(constEI[:15:15], 0x00, 0x01))
	t2 := cmac(noncePRK[:], appendByte(t1, constEI[:15], 0x02))

	var mei [drbgSeedLen]byte
	copy(mei[:blockSize], t1[:])
	copy(mei[blockSize:], t2[:])
	return mei
}

// ckdfTempExtract derives the temporary bootstrap key from the ECDH
// shared secret and both public keys.
func ckdfTempExtract(sharedSecret, publicKeyA, publicKeyB []byte) [blockSize]byte {
	input := make([]byte, 0, len(publicKeyA)+len(publicKeyB))
	input = append(input, publicKeyA...)
	input = append(input, publicKeyB...)
	prk := cmac(sharedSecret[:blockSize], input)
	block33 := blockOf(0x33)
	return cmac(prk[:], append(block33[:15:15], 0x01))
}

func appendByte(prev [blockSize]byte, constant []byte, counter byte) []byte {
	out := make([]byte, 0, blockSize+len(constant)+1)
	out = append(out, prev[:]...)
	out = append(out, constant...)
	out = append(out, counter)
	return out
}
