package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHS256IssueAndValidate(t *testing.T) {
	v := NewHS256Validator("test-secret")

	token, err := v.IssueToken([]string{"world-1", "world-2"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.AuthorizesWorld("world-1"))
	assert.True(t, claims.AuthorizesWorld("world-2"))
	assert.False(t, claims.AuthorizesWorld("world-3"))
}

func TestHS256RejectsWrongSecret(t *testing.T) {
	issuer := NewHS256Validator("secret-a")
	token, err := issuer.IssueToken([]string{"world-1"}, time.Hour)
	require.NoError(t, err)

	_, err = NewHS256Validator("secret-b").ValidateToken(token)
	assert.Error(t, err)
}

func TestHS256RejectsExpiredToken(t *testing.T) {
	v := NewHS256Validator("test-secret")
	token, err := v.IssueToken([]string{"world-1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestHS256RejectsOtherSigningMethods(t *testing.T) {
	secret := []byte("test-secret")
	claims := &AdminClaims{
		Worlds: []string{"world-1"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewHS256Validator("test-secret").ValidateToken(token)
	assert.Error(t, err)
}

func TestHS256RejectsGarbage(t *testing.T) {
	_, err := NewHS256Validator("test-secret").ValidateToken("not.a.token")
	assert.Error(t, err)
}

type stubValidator struct {
	claims *AdminClaims
	err    error
}

func (s *stubValidator) ValidateToken(string) (*AdminClaims, error) {
	return s.claims, s.err
}

func TestChainValidatorFirstSuccessWins(t *testing.T) {
	want := &AdminClaims{Worlds: []string{"world-1"}}
	chain := ChainValidator{
		&stubValidator{err: errors.New("nope")},
		&stubValidator{claims: want},
		&stubValidator{err: errors.New("never reached")},
	}

	got, err := chain.ValidateToken("anything")
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestChainValidatorAllFail(t *testing.T) {
	chain := ChainValidator{
		&stubValidator{err: errors.New("first")},
		&stubValidator{err: errors.New("second")},
	}
	_, err := chain.ValidateToken("anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
}

func TestChainValidatorEmpty(t *testing.T) {
	_, err := ChainValidator{}.ValidateToken("anything")
	assert.Error(t, err)
}
