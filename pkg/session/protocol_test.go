package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope_RoundTrips(t *testing.T) {
	b, err := encode("Transition", transitionOut{StartTS: 1, EndTS: 2})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, decodeEnvelope(b, &env))
	assert.Equal(t, "Transition", env.Type)

	var out transitionOut
	require.NoError(t, unmarshal(env.Data, &out))
	assert.Equal(t, transitionOut{StartTS: 1, EndTS: 2}, out)
}

func TestUnmarshal_WrapsDecodeErrorsAsInvalidArgument(t *testing.T) {
	var out connectMsg
	err := unmarshal([]byte("not json"), &out)
	require.Error(t, err)
	assert.Equal(t, apperror.InvalidArgument, apperror.KindOf(err))
}

func TestErrorOutFrom(t *testing.T) {
	assert.Nil(t, errorOutFrom(nil))

	err := apperror.New(apperror.NotFound, "session.missing", "not found")
	out := errorOutFrom(err)
	require.NotNil(t, out)
	assert.Equal(t, string(apperror.NotFound), out.Kind)
	assert.Equal(t, "not found", out.Message)
}

func TestKindOf_DefaultsToFatalForPlainErrors(t *testing.T) {
	assert.Equal(t, apperror.Fatal, kindOf(assertErr("boom")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSplitUDFPath(t *testing.T) {
	path, export := splitUDFPath("messages.js:listRecent")
	assert.Equal(t, "messages.js", path)
	assert.Equal(t, "listRecent", export)

	path, export = splitUDFPath("messages.js")
	assert.Equal(t, "messages.js", path)
	assert.Equal(t, "handler", export)
}

func signedToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestJWTProvider_ValidatesSignatureAndIssuer(t *testing.T) {
	secret := []byte("test-secret")
	prov := NewJWTProvider(secret, "pulsedb")

	tok := signedToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"iss": "pulsedb",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	identity, err := prov.Validate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)
	assert.True(t, identity.IsAuthenticated())
}

func TestJWTProvider_RejectsWrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	prov := NewJWTProvider(secret, "pulsedb")

	tok := signedToken(t, secret, jwt.MapClaims{"sub": "alice", "iss": "someone-else"})
	_, err := prov.Validate(context.Background(), tok)
	require.Error(t, err)
	assert.Equal(t, apperror.Unauthorized, apperror.KindOf(err))
}

func TestJWTProvider_RejectsBadSignature(t *testing.T) {
	prov := NewJWTProvider([]byte("test-secret"), "")
	tok := signedToken(t, []byte("wrong-secret"), jwt.MapClaims{"sub": "alice"})

	_, err := prov.Validate(context.Background(), tok)
	require.Error(t, err)
	assert.Equal(t, apperror.Unauthorized, apperror.KindOf(err))
}

func TestJWTProvider_RejectsMissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	prov := NewJWTProvider(secret, "")

	tok := signedToken(t, secret, jwt.MapClaims{})
	_, err := prov.Validate(context.Background(), tok)
	require.Error(t, err)
	assert.Equal(t, apperror.Unauthorized, apperror.KindOf(err))
}
