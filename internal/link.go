package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// LinkPayload is the signed body of a magic link. Field names are part of
// the wire format: the payload travels base64url-encoded inside the link
// fragment and is parsed back on verification.
type LinkPayload struct {
	UserName  string `json:"userName"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type linkContext struct {
	PoolID   string `json:"userPoolId"`
	ClientID string `json:"clientId"`
}

func EncodeLinkPayload(p LinkPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeLinkPayload parses and structurally validates a payload: all three
// fields must be present with the right types. A payload that fails here
// after its signature checked out means the signing input was malformed.
func DecodeLinkPayload(raw []byte) (LinkPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return LinkPayload{}, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	var p LinkPayload
	if err := decodeField(fields, "userName", &p.UserName); err != nil {
		return LinkPayload{}, err
	}
	if p.UserName == "" {
		return LinkPayload{}, errors.New("payload userName is empty")
	}
	if err := decodeField(fields, "iat", &p.IssuedAt); err != nil {
		return LinkPayload{}, err
	}
	if err := decodeField(fields, "exp", &p.ExpiresAt); err != nil {
		return LinkPayload{}, err
	}
	return p, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("payload field %q missing", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("payload field %q: %w", name, err)
	}
	return nil
}

// EncodeLinkContext serializes the pool/client binding that is mixed into
// every link digest. It is never transmitted; issuance and verification each
// rebuild it from configuration, so a link only verifies against the pool
// and client it was issued for.
func EncodeLinkContext(poolID, clientID string) []byte {
	b, _ := json.Marshal(linkContext{PoolID: poolID, ClientID: clientID})
	return b
}

// LinkDigest is the value actually signed: SHA-512 over payload followed by
// context.
func LinkDigest(payload, context []byte) []byte {
	h := sha512.New()
	h.Write(payload)
	h.Write(context)
	return h.Sum(nil)
}

// ComposeFragment builds the secret part of a magic link:
// base64url(payload) "." base64url(signature), carried in the URL fragment.
func ComposeFragment(payload, sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// SplitFragment is the inverse of ComposeFragment.
func SplitFragment(fragment string) (payload, sig []byte, err error) {
	msg, sigPart, ok := strings.Cut(fragment, ".")
	if !ok {
		return nil, nil, errors.New("fragment is not two dot-separated parts")
	}
	payload, err = base64.RawURLEncoding.DecodeString(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("fragment payload: %w", err)
	}
	sig, err = base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, nil, fmt.Errorf("fragment signature: %w", err)
	}
	if len(payload) == 0 || len(sig) == 0 {
		return nil, nil, errors.New("fragment part empty")
	}
	return payload, sig, nil
}

// HashUserName produces the storage key component for a user's replay
// record. Salting keeps raw usernames out of the store.
func HashUserName(salt, userName string) string {
	sum := sha256.Sum256([]byte(salt + userName))
	return hex.EncodeToString(sum[:])
}

// SecretHash computes the client credential sent alongside backend calls:
// base64(HMAC-SHA256(userName+clientID, clientSecret)).
func SecretHash(userName, clientID, clientSecret string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(userName + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NewOpaqueToken returns n random bytes, base64url-encoded. Used for
// refresh tokens minted by the local backend.
func NewOpaqueToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
