package firmware

import (
	"crypto/aes"
	"fmt"

	cmac "github.com/chmike/cmac-go"
)

// Authenticator computes AES-CMAC tags over TransferData blocks, modeling
// the signed-reprogramming variant some OEM UDS stacks require before
// accepting RequestTransferExit. The key is caller-supplied; this package
// never generates or persists key material.
type Authenticator struct {
	key []byte
}

// NewAuthenticator builds an Authenticator from a 16, 24, or 32-byte AES
// key, whatever length aes.NewCipher accepts.
func NewAuthenticator(key []byte) (*Authenticator, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("firmware: invalid CMAC key: %w", err)
	}
	return &Authenticator{key: append([]byte{}, key...)}, nil
}

// Tag computes the AES-CMAC of data.
func (a *Authenticator) Tag(data []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, a.key)
	if err != nil {
		return nil, fmt.Errorf("firmware: cmac init: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Verify recomputes the tag over data and compares it against tag.
func (a *Authenticator) Verify(data, tag []byte) (bool, error) {
	expected, err := a.Tag(data)
	if err != nil {
		return false, err
	}
	if len(expected) != len(tag) {
		return false, nil
	}
	mismatch := byte(0)
	for i := range expected {
		mismatch |= expected[i] ^ tag[i]
	}
	return mismatch == 0, nil
}
