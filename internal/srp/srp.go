// Package srp implements the SRP-6a password-authenticated key exchange as
// deployed by Apple's GrandSlam authentication service: the RFC 5054
// 2048-bit group, SHA-256, and PBKDF2 password expansion negotiated over
// the wire as "s2k" or "s2k_fo".
//
// Conventions (all arithmetic mod N):
//
//	N, g  group parameters
//	k     multiplier, k = H(N, pad(g))
//	a, A  client ephemeral private/public values
//	b, B  server ephemeral private/public values
//	u     scrambling parameter, u = H(pad(A), pad(B))
//	x     private key derived from salt and the expanded password
//	K     shared session key, K = H(S)
//	M1    client evidence, M1 = H(H(N) xor H(g), H(I), s, A, B, K)
//	M2    server evidence, M2 = H(A, M1, K)
//
// A Client is single use: every login attempt gets a fresh ephemeral
// exponent and no state survives the exchange.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// Protocol selects how the plaintext password is expanded into the key fed
// to the SRP x computation. The server advertises which it expects.
type Protocol string

const (
	// S2K hashes the password with SHA-256 and runs PBKDF2 over the digest.
	S2K Protocol = "s2k"
	// S2KFO is the "forgotten option" variant: PBKDF2 over the lowercase
	// hex encoding of the digest.
	S2KFO Protocol = "s2k_fo"
)

// DerivePasswordKey expands password into the 32-byte key used for the
// x computation, per the negotiated protocol and server-supplied salt and
// iteration count.
func DerivePasswordKey(proto Protocol, password string, salt []byte, iterations int) ([]byte, error) {
	digest := sha256.Sum256([]byte(password))
	var seed []byte
	switch proto {
	case S2K:
		seed = digest[:]
	case S2KFO:
		seed = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, fmt.Errorf("srp: unsupported password protocol %q", proto)
	}
	return pbkdf2.Key(seed, salt, iterations, 32, sha256.New), nil
}

// Client holds the state of one exchange.
type Client struct {
	a *big.Int
	A *big.Int
	k *big.Int

	key []byte // K
	m1  []byte
}

// NewClient generates a fresh ephemeral exponent and the matching public
// value. The random source is crypto/rand; an error here means the platform
// randomness is broken and nothing sensible can continue.
func NewClient() (*Client, error) {
	a, err := randBigInt(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("srp: %v", err)
	}
	c := &Client{
		a: a,
		k: hashInt(groupN.Bytes(), pad(groupG, groupBytes)),
	}
	c.A = new(big.Int).Exp(groupG, c.a, groupN)
	return c, nil
}

// PublicKey returns A, the client public value sent in the first round.
func (c *Client) PublicKey() []byte {
	return c.A.Bytes()
}

// ProcessChallenge consumes the server's salt and public value and derives
// the shared session key, returning the client evidence value M1. The
// passwordKey argument is the output of DerivePasswordKey.
func (c *Client) ProcessChallenge(username string, passwordKey, salt, serverPublic []byte) ([]byte, error) {
	B := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(B, groupN).Sign() == 0 {
		return nil, fmt.Errorf("srp: invalid server public key")
	}

	u := hashInt(pad(c.A, groupBytes), pad(B, groupBytes))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("srp: invalid scrambling parameter")
	}

	x := computeX(username, passwordKey, salt)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	t0 := new(big.Int).Exp(groupG, x, groupN)
	t0.Mul(t0, c.k)
	t1 := new(big.Int).Sub(B, t0)
	t1.Mod(t1, groupN)
	t2 := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(t1, t2, groupN)

	c.key = hashBytes(S.Bytes())
	c.m1 = evidenceM1(username, salt, c.A, B, c.key)
	return c.m1, nil
}

// VerifyServerEvidence checks the server's M2 proof in constant time.
// A mismatch means the two sides do not share a key; the caller must treat
// it as an authentication failure without distinguishing which side is off.
func (c *Client) VerifyServerEvidence(m2 []byte) bool {
	if c.key == nil {
		return false
	}
	expected := hashBytes(c.A.Bytes(), c.m1, c.key)
	return subtle.ConstantTimeCompare(expected, m2) == 1
}

// SessionKey returns K once the challenge has been processed.
func (c *Client) SessionKey() []byte {
	return c.key
}

// Server implements the verifying half of the exchange. Production code
// never runs it; it exists so the protocol can be exercised end to end
// against a real counterparty in tests.
type Server struct {
	v *big.Int
	b *big.Int
	B *big.Int

	key []byte
	m1  []byte
}

// NewServer builds a server for one exchange from the user's expanded
// password, as if the verifier had been registered with the same salt.
func NewServer(username string, passwordKey, salt []byte) (*Server, error) {
	x := computeX(username, passwordKey, salt)
	v := new(big.Int).Exp(groupG, x, groupN)

	b, err := randBigInt(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("srp: %v", err)
	}

	k := hashInt(groupN.Bytes(), pad(groupG, groupBytes))
	B := new(big.Int).Mul(k, v)
	B.Add(B, new(big.Int).Exp(groupG, b, groupN))
	B.Mod(B, groupN)

	return &Server{v: v, b: b, B: B}, nil
}

// PublicKey returns B, sent to the client alongside the salt.
func (s *Server) PublicKey() []byte {
	return s.B.Bytes()
}

// VerifyClientEvidence derives the shared key from the client public value
// and checks the client's M1 proof. It must be called before Evidence;
// per the protocol the server reveals its own proof only to a client that
// has already proven knowledge of the password.
func (s *Server) VerifyClientEvidence(username string, salt, clientPublic, m1 []byte) bool {
	A := new(big.Int).SetBytes(clientPublic)
	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return false
	}

	u := hashInt(pad(A, groupBytes), pad(s.B, groupBytes))

	// S = (A * v^u) ^ b mod N
	S := new(big.Int).Exp(s.v, u, groupN)
	S.Mul(S, A)
	S.Mod(S, groupN)
	S.Exp(S, s.b, groupN)

	s.key = hashBytes(S.Bytes())
	expected := evidenceM1(username, salt, A, s.B, s.key)
	if subtle.ConstantTimeCompare(expected, m1) != 1 {
		s.key = nil
		return false
	}
	s.m1 = m1
	return true
}

// Evidence returns M2 = H(A, M1, K) for a verified client.
func (s *Server) Evidence(clientPublic []byte) []byte {
	if s.key == nil {
		return nil
	}
	A := new(big.Int).SetBytes(clientPublic)
	return hashBytes(A.Bytes(), s.m1, s.key)
}

// SessionKey returns K after a successful VerifyClientEvidence.
func (s *Server) SessionKey() []byte {
	return s.key
}

// x = H(salt, H(I | ":" | passwordKey))
func computeX(username string, passwordKey, salt []byte) *big.Int {
	inner := hashBytes([]byte(username), []byte(":"), passwordKey)
	return hashInt(salt, inner)
}

// M1 = H(H(N) xor H(pad(g)), H(I), salt, A, B, K)
func evidenceM1(username string, salt []byte, A, B *big.Int, key []byte) []byte {
	return hashBytes(
		xorBytes(hashBytes(groupN.Bytes()), hashBytes(pad(groupG, groupBytes))),
		hashBytes([]byte(username)),
		salt,
		A.Bytes(),
		B.Bytes(),
		key,
	)
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// pad left-pads x to n bytes per RFC 5054.
func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	p := make([]byte, n)
	copy(p[n-len(b):], b)
	return p
}

func randBigInt(n int) (*big.Int, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("random source unavailable: %v", err)
	}
	return new(big.Int).SetBytes(b), nil
}
