package relay

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// testKey generates a fresh BIP-340 keypair for use in validator and
// pipeline tests. Each call returns a distinct key so tests can
// exercise multi-author scenarios without colliding.
func testKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	return priv, pub
}

// signEvent fills in PubKey, ID, and Sig so e validates cleanly. Tags,
// Kind, CreatedAt, and Content must already be set by the caller.
func signEvent(t *testing.T, priv *btcec.PrivateKey, e *Event) {
	t.Helper()
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	id, err := e.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
}
