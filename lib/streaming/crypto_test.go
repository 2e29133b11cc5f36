package streaming

import (
	"testing"

	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := cryptoed25519.GenerateEd25519KeyPair()
	require.NoError(t, err)

	pkt := &Packet{
		SendStreamID: 1,
		RecvStreamID: 2,
		SequenceNum:  0,
		AckThrough:   0,
		Flags:        FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded,
		FromIdentity: []byte(*pub),
		Payload:      []byte("handshake"),
	}

	marshaled, err := signAndMarshal(pkt, *priv)
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(marshaled))
	assert.True(t, verifySignature(&got, got.FromIdentity))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := cryptoed25519.GenerateEd25519KeyPair()
	require.NoError(t, err)

	pkt := &Packet{
		RecvStreamID: 2,
		Flags:        FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded,
		FromIdentity: []byte(*pub),
		Payload:      []byte("original"),
	}
	marshaled, err := signAndMarshal(pkt, *priv)
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(marshaled))
	got.Payload = []byte("tampered")
	assert.False(t, verifySignature(&got, got.FromIdentity))
}

func TestVerifySignatureRejectsWrongLengthFields(t *testing.T) {
	p := &Packet{Signature: []byte{4, 5, 6}}
	assert.False(t, verifySignature(p, []byte{1, 2, 3}))
}
