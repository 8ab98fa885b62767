// Package security implements the S0 and S2 encapsulation layers.
//
// S0 uses a per-receiver nonce table, AES-OFB encryption and an 8-byte
// CBC-MAC. S2 keeps a per-peer SPAN advanced by a CTR_DRBG seeded from
// mixed entropy, derives its working keys from each network key with
// AES-CMAC chains, and authenticates with AES-CCM. Both managers satisfy
// the encapsulation pipeline's Codec interface.
package security
