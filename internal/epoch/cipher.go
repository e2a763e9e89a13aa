package epoch

import (
	"bytes"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/insecurecleartextkeyset"
	"github.com/google/tink/go/keyset"
	"github.com/pkg/errors"
)

// tinkCipher adapts a Tink AEAD primitive to the epoch package's AEAD
// interface, backing the optional at-rest encryption feature described
// in SPEC_FULL.md §4.
type tinkCipher struct {
	primitive interface {
		Encrypt(plaintext, associatedData []byte) ([]byte, error)
		Decrypt(ciphertext, associatedData []byte) ([]byte, error)
	}
}

// NewCipherFromCleartextKeyset loads a cleartext Tink keyset (JSON) and
// returns an AEAD usable as Options.Cipher. Cleartext keysets are only
// appropriate when the keyset itself is protected by filesystem
// permissions or injected via a secrets manager; this mirrors how
// insecurecleartextkeyset is meant to be used for local/dev deployments
// without a KMS.
func NewCipherFromCleartextKeyset(keysetJSON []byte) (AEAD, error) {
	reader := keyset.NewJSONReader(bytes.NewReader(keysetJSON))
	handle, err := insecurecleartextkeyset.Read(reader)
	if err != nil {
		return nil, errors.Wrap(err, "read cleartext keyset")
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, errors.Wrap(err, "create aead primitive")
	}
	return &tinkCipher{primitive: primitive}, nil
}

func (c *tinkCipher) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return c.primitive.Encrypt(plaintext, associatedData)
}

func (c *tinkCipher) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return c.primitive.Decrypt(ciphertext, associatedData)
}
