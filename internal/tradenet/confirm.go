package tradenet

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// Confirmation is the time-based proof sent with a confirm call.
type Confirmation struct {
	Time int64  `json:"time"`
	Tag  string `json:"tag"`
	Key  string `json:"key"`
}

// ConfirmationKey derives the one-time confirmation key for tag at t from the
// bot's base64 identity secret.
func ConfirmationKey(identitySecret string, t time.Time, tag string) (Confirmation, error) {
	secret, err := base64.StdEncoding.DecodeString(identitySecret)
	if err != nil || len(secret) == 0 {
		return Confirmation{}, &Error{Op: "confirm", Kind: ErrConfirmation, Body: "invalid identity secret"}
	}

	if len(tag) > 32 {
		tag = tag[:32]
	}
	msg := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(msg, uint64(t.Unix()))
	msg = append(msg, tag...)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg)

	return Confirmation{
		Time: t.Unix(),
		Tag:  tag,
		Key:  base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

const guardAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

// GuardCode derives the 5-character login code for the 30s window containing t.
func GuardCode(sharedSecret string, t time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil || len(secret) == 0 {
		return "", &Error{Op: "login", Kind: ErrAuth, Body: "invalid shared secret"}
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(t.Unix()/30))
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff

	out := make([]byte, 5)
	for i := range out {
		out[i] = guardAlphabet[code%uint32(len(guardAlphabet))]
		code /= uint32(len(guardAlphabet))
	}
	return string(out), nil
}

// VerifyConfirmation checks a proof against the identity secret, accepting
// clock skew up to skew.
func VerifyConfirmation(identitySecret string, proof Confirmation, now time.Time, skew time.Duration) error {
	at := time.Unix(proof.Time, 0)
	if d := now.Sub(at); d > skew || d < -skew {
		return fmt.Errorf("%w: stale confirmation (%s old)", ErrConfirmation, d)
	}
	want, err := ConfirmationKey(identitySecret, at, proof.Tag)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want.Key), []byte(proof.Key)) {
		return fmt.Errorf("%w: key mismatch", ErrConfirmation)
	}
	return nil
}
