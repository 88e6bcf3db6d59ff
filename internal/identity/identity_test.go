package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	req := require.New(t)
	kp, err := Generate()
	req.NoError(err)
	req.Len(string(kp.PublicID()), 64)

	sealed, err := kp.Seal([]byte(`{"kind":"joined"}`))
	req.NoError(err)

	author, payload, err := Open(sealed)
	req.NoError(err)
	req.Equal(kp.PublicID(), author)
	req.JSONEq(`{"kind":"joined"}`, string(payload))
}

func TestOpen_RejectsTamperedPayload(t *testing.T) {
	req := require.New(t)
	kp, err := Generate()
	req.NoError(err)

	sealed, err := kp.Seal([]byte("column 3"))
	req.NoError(err)

	var env Envelope
	req.NoError(json.Unmarshal(sealed, &env))
	env.Payload = []byte("column 4")
	env.ID = EnvelopeID(PublicID(env.PubKey), env.Payload)
	forged, err := json.Marshal(env)
	req.NoError(err)

	_, _, err = Open(forged)
	req.ErrorIs(err, ErrBadSignature)
}

func TestOpen_RejectsIDMismatch(t *testing.T) {
	req := require.New(t)
	kp, err := Generate()
	req.NoError(err)

	sealed, err := kp.Seal([]byte("x"))
	req.NoError(err)
	var env Envelope
	req.NoError(json.Unmarshal(sealed, &env))
	env.ID = "00"
	bad, err := json.Marshal(env)
	req.NoError(err)

	_, _, err = Open(bad)
	req.ErrorIs(err, ErrBadEnvelope)

	_, _, err = Open([]byte("garbage"))
	req.ErrorIs(err, ErrBadEnvelope)
}

func TestFromSeedHex_IsStable(t *testing.T) {
	req := require.New(t)
	kp, err := Generate()
	req.NoError(err)

	restored, err := FromSeedHex(kp.SeedHex())
	req.NoError(err)
	req.Equal(kp.PublicID(), restored.PublicID())

	_, err = FromSeedHex("abcd")
	req.Error(err)
}
