package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// deriveSessionKey derives a named key from the SRP shared secret, matching
// the service's HMAC-SHA256 labeling scheme.
func deriveSessionKey(srpKey []byte, name string) []byte {
	mac := hmac.New(sha256.New, srpKey)
	mac.Write([]byte(name))
	return mac.Sum(nil)
}

// decryptSPD decrypts the "status provider data" blob from a completed
// password round: AES-256-CBC with key and iv derived from the SRP secret,
// PKCS#7 padded.
func decryptSPD(srpKey, data []byte) ([]byte, error) {
	key := deriveSessionKey(srpKey, "extra data key:")
	iv := deriveSessionKey(srpKey, "extra data iv:")[:aes.BlockSize]

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("spd is not block aligned (%d bytes)", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	return stripPKCS7(plain)
}

func stripPKCS7(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid spd padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid spd padding")
		}
	}
	return data[:len(data)-n], nil
}

// tokenChecksum authenticates an app-token request:
// HMAC-SHA256(sk, "apptokens" | adsid | app).
func tokenChecksum(sessionKey []byte, adsid, app string) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte("apptokens"))
	mac.Write([]byte(adsid))
	mac.Write([]byte(app))
	return mac.Sum(nil)
}

// decryptToken decrypts an "et" app-token blob: a 3-byte "XYZ" marker, a
// 16-byte GCM nonce, then AES-256-GCM ciphertext and tag keyed by the
// session key, with the marker as associated data.
func decryptToken(sessionKey, et []byte) ([]byte, error) {
	const marker = "XYZ"
	const nonceSize = 16

	if len(et) < len(marker)+nonceSize+16 {
		return nil, fmt.Errorf("encrypted token too short (%d bytes)", len(et))
	}
	if string(et[:len(marker)]) != marker {
		return nil, fmt.Errorf("encrypted token is in an unknown format")
	}
	nonce := et[len(marker) : len(marker)+nonceSize]
	ciphertext := et[len(marker)+nonceSize:]

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(marker))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt app token: %v", err)
	}
	return plain, nil
}
