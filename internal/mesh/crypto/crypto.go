// Package crypto provides the Bluetooth Mesh security toolbox pieces this
// module needs: AES-CMAC, the s1/k1 derivation functions, and identity key
// and node identity hash computation.
package crypto

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"
)

const blockSize = aes.BlockSize

// HashSize is the length of the hash carried in a node identity beacon.
const HashSize = 8

// RandomSize is the length of the random value carried in a node identity beacon.
const RandomSize = 8

var (
	saltIdentity = S1([]byte("nkik"))
	pIdentity    = []byte{'i', 'd', '1', '2', '8', 0x01}
)

// CMAC computes AES-CMAC (RFC 4493) of msg under a 16-byte key.
func CMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: new cipher: %w", err)
	}
	tag, err := cmac.Sum(msg, block, blockSize)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: cmac: %w", err)
	}
	return tag, nil
}

// S1 is the mesh salt generation function: AES-CMAC with a zero key.
func S1(m []byte) []byte {
	// A zero key is always a valid AES-128 key.
	out, _ := CMAC(make([]byte, blockSize), m)
	return out
}

// K1 is the mesh derivation function k1(N, SALT, P).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := CMAC(salt, n)
	if err != nil {
		return nil, err
	}
	return CMAC(t, p)
}

// IdentityKey derives the network's identity key from its network key.
func IdentityKey(netKey []byte) ([]byte, error) {
	if len(netKey) != blockSize {
		return nil, fmt.Errorf("mesh/crypto: net key must be %d bytes, got %d", blockSize, len(netKey))
	}
	return K1(netKey, saltIdentity, pIdentity)
}

// NodeHash computes the hash a node advertises in its node identity beacon:
// the low 64 bits of e(IdentityKey, 0x000000000000 || Random || Address).
func NodeHash(identityKey, random []byte, unicastAddr uint16) ([]byte, error) {
	if len(random) != RandomSize {
		return nil, fmt.Errorf("mesh/crypto: random must be %d bytes, got %d", RandomSize, len(random))
	}
	block, err := aes.NewCipher(identityKey)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: new cipher: %w", err)
	}
	in := make([]byte, blockSize)
	copy(in[6:14], random)
	binary.BigEndian.PutUint16(in[14:], unicastAddr)
	block.Encrypt(in, in)
	return in[blockSize-HashSize:], nil
}
