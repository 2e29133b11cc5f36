package streaming

import (
	"fmt"

	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
)

// identityLen/signatureLen are fixed for the Ed25519 destinations this
// module targets: identity serialization proper is out of scope (spec
// §1), so FROM_INCLUDED simply carries the raw 32-byte signing public
// key and SIGNATURE_INCLUDED a 64-byte Ed25519 signature.
const (
	identityLen  = 32
	signatureLen = 64
)

// signAndMarshal marshals pkt with its Signature field zeroed, signs
// the result with priv, then re-marshals with the real signature
// attached. Mirrors go-i2p-go-i2cp/ed25519.go's Sign/Verify wrapper
// around the crypto package's Signer/Verifier interfaces, adapted from
// go-i2p-go-streaming/crypto.go's SignPacket (which signs a go-i2cp
// Destination-backed packet; this signs a raw-identity one instead).
func signAndMarshal(pkt *Packet, priv cryptoed25519.Ed25519PrivateKey) ([]byte, error) {
	if pkt.Flags&FlagSignatureIncluded == 0 {
		return nil, fmt.Errorf("streaming: cannot sign packet without SIGNATURE_INCLUDED")
	}
	pkt.Signature = make([]byte, signatureLen)

	unsigned, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("streaming: marshal for signing: %w", err)
	}

	signer, err := priv.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("streaming: create signer: %w", err)
	}
	sig, err := signer.SignHash(unsigned)
	if err != nil {
		return nil, fmt.Errorf("streaming: sign packet: %w", err)
	}
	pkt.Signature = sig

	return pkt.Marshal()
}

// verifySignature checks pkt.Signature against pkt's bytes with the
// signature field zeroed, using pubKeyBytes as the Ed25519 public key
// (spec §4.H process_packet). pubKeyBytes is the packet's own
// FROM_INCLUDED field when present (the SYN/first packet of a stream),
// or the stream's already-learned remote identity otherwise — later
// packets like CLOSE carry only a signature, not a repeated identity.
func verifySignature(pkt *Packet, pubKeyBytes []byte) bool {
	if len(pubKeyBytes) != identityLen || len(pkt.Signature) != signatureLen {
		return false
	}
	pub := cryptoed25519.Ed25519PublicKey(append([]byte(nil), pubKeyBytes...))
	verifier, err := pub.NewVerifier()
	if err != nil {
		return false
	}

	original := pkt.Signature
	pkt.Signature = make([]byte, signatureLen)
	marshaled, err := pkt.Marshal()
	pkt.Signature = original
	if err != nil {
		return false
	}

	return verifier.VerifyHash(marshaled, original) == nil
}
