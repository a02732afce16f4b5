package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/godbus/dbus/v5"
	"golang.org/x/crypto/hkdf"
)

// Session algorithms understood by the vault.
const (
	AlgorithmPlain = "plain"
	AlgorithmDH    = "dh-ietf1024-sha256-aes128-cbc-pkcs7"
)

// RFC 2409 second Oakley group, generator 2.
var (
	ietf1024Prime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
			"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
			"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
			"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381"+
			"FFFFFFFFFFFFFFFF", 16)
	ietf1024Generator = big.NewInt(2)
)

const (
	dhPrimeBytes = 128
	aesKeyBytes  = 16
)

type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

func newDHKeyPair(r io.Reader) (*dhKeyPair, error) {
	buf := make([]byte, dhPrimeBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("generating dh private key: %w", err)
	}
	priv := new(big.Int).SetBytes(buf)
	priv.Mod(priv, new(big.Int).Sub(ietf1024Prime, big.NewInt(2)))
	priv.Add(priv, big.NewInt(1))
	pub := new(big.Int).Exp(ietf1024Generator, priv, ietf1024Prime)
	return &dhKeyPair{private: priv, public: pub}, nil
}

func (kp *dhKeyPair) publicBytes() []byte {
	return kp.public.Bytes()
}

// sharedKey derives the AES key from the peer's public value. The shared
// secret is left-padded to the prime size before HKDF-SHA256.
func (kp *dhKeyPair) sharedKey(peer []byte) ([]byte, error) {
	y := new(big.Int).SetBytes(peer)
	limit := new(big.Int).Sub(ietf1024Prime, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(limit) >= 0 {
		return nil, fmt.Errorf("invalid dh peer public key")
	}
	shared := new(big.Int).Exp(y, kp.private, ietf1024Prime)
	ikm := shared.FillBytes(make([]byte, dhPrimeBytes))

	key := make([]byte, aesKeyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, nil), key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

func encryptCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	clear(padded)
	return iv, ciphertext, nil
}

func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		clear(plain)
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			clear(plain)
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return plain[:len(plain)-pad], nil
}

// session is a negotiated transfer channel. key is nil for plain sessions.
type session struct {
	path      dbus.ObjectPath
	algorithm string
	key       []byte
}

func (s *session) encode(v *Value) (Secret, error) {
	sec := Secret{Session: s.path, Parameters: []byte{}, ContentType: v.ContentType()}
	if s.key == nil {
		sec.Value = append([]byte(nil), v.Bytes()...)
		return sec, nil
	}
	iv, ct, err := encryptCBC(s.key, v.Bytes())
	if err != nil {
		return Secret{}, fmt.Errorf("encrypting secret: %w", err)
	}
	sec.Parameters = iv
	sec.Value = ct
	return sec, nil
}

func (s *session) decode(sec Secret) (*Value, error) {
	if s.key == nil {
		return NewValue(sec.Value, sec.ContentType), nil
	}
	plain, err := decryptCBC(s.key, sec.Parameters, sec.Value)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	v := NewValue(plain, sec.ContentType)
	clear(plain)
	return v, nil
}
