// Package cryptoutil provides the gateway's cryptographic primitives:
// RSA keypairs, the hybrid RSA-OAEP + AES-256-CBC envelope, HMAC-SHA256
// token signatures, and canonical JSON hashing.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const rsaKeyBits = 2048

var (
	ErrDecrypt     = errors.New("envelope decryption failed")
	ErrTokenFormat = errors.New("token must be <base64 payload>.<hex hmac>")
)

// ============================================================================
// KEYPAIRS
// ============================================================================

// KeyPair holds a freshly generated RSA keypair in PEM form. The private
// half is handed to the caller exactly once and never persisted.
type KeyPair struct {
	PublicPEM  string
	PrivatePEM string
	private    *rsa.PrivateKey
}

// GenerateKeyPair creates a 2048-bit RSA keypair.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privDER := x509.MarshalPKCS1PrivateKey(key)

	return &KeyPair{
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})),
		private:    key,
	}, nil
}

// ParsePublicKeyPEM parses a PEM/SPKI encoded RSA public key.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParsePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// ============================================================================
// HYBRID ENVELOPE — RSA_OAEP(pub, aesKey) ‖ iv(16B) ‖ AES-256-CBC(ciphertext)
// ============================================================================

// HybridEncrypt seals plaintext for the holder of the matching private
// key. Output is base64 at the boundary.
func HybridEncrypt(plaintext []byte, pub *rsa.PublicKey) (string, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return "", fmt.Errorf("failed to generate AES key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap AES key: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	blob := make([]byte, 0, len(wrapped)+len(iv)+len(ct))
	blob = append(blob, wrapped...)
	blob = append(blob, iv...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// HybridDecrypt reverses HybridEncrypt. Any length, padding, or key
// error surfaces as ErrDecrypt so callers cannot oracle the cause.
func HybridDecrypt(encoded string, priv *rsa.PrivateKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}

	wrappedLen := priv.Size()
	if len(blob) < wrappedLen+aes.BlockSize {
		return nil, ErrDecrypt
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, blob[:wrappedLen], nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	iv := blob[wrappedLen : wrappedLen+aes.BlockSize]
	ct := blob[wrappedLen+aes.BlockSize:]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, ErrDecrypt
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return nil, ErrDecrypt
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

// ============================================================================
// TOKEN SIGNATURES — HMAC-SHA256 over the base64 payload
// ============================================================================

// SignToken produces the wire token "<base64 payload>.<hex hmac>".
func SignToken(payload []byte, secret []byte) string {
	encoded := base64.StdEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return encoded + "." + hex.EncodeToString(mac.Sum(nil))
}

// SplitToken separates the wire token at the last dot.
func SplitToken(token string) (payloadB64, sigHex string, err error) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", ErrTokenFormat
	}
	return token[:idx], token[idx+1:], nil
}

// VerifyTokenSignature recomputes the HMAC over the base64 payload and
// compares in constant time.
func VerifyTokenSignature(payloadB64, sigHex string, secret []byte) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	return hmac.Equal(sig, mac.Sum(nil))
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// ============================================================================
// CANONICAL JSON & HASHES
// ============================================================================

// CanonicalJSON renders v with recursively sorted object keys, no
// insignificant whitespace, and stable number formatting. Used for
// policy spec hashes, token payload hashes, and cache fingerprints.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json so struct tags apply uniformly.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(canonicalNumber(val))
	case string, bool, nil:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

// canonicalNumber renders integers without exponent or trailing zeros
// so 3, 3.0 and 3e0 hash identically.
func canonicalNumber(n json.Number) string {
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Sha256Hex returns the lowercase hex SHA-256 of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash hashes the canonical JSON rendering of v.
func CanonicalHash(v interface{}) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return Sha256Hex(canon), nil
}

// GenerateNonce returns 32 bytes of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}
