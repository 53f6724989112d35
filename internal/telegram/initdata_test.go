package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "123456:test-bot-token"

// signInitData produces a valid init data string the way Telegram does:
// sorted key=value pairs joined with newlines, HMAC-SHA256 with the
// WebAppData-derived secret, hash appended as a query parameter.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()

	pairs := make([]string, 0, len(fields))
	for k, v := range fields {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	keyMAC := hmac.New(sha256.New, []byte("WebAppData"))
	keyMAC.Write([]byte(botToken))
	secret := keyMAC.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func TestVerifyValidInitData(t *testing.T) {
	t.Parallel()

	initData := signInitData(t, testBotToken, map[string]string{
		"auth_date": "1767225600",
		"query_id":  "AAF0fQ4",
		"user":      `{"id":1027611560,"first_name":"Z","username":"zybastuk"}`,
	})

	v := NewVerifier(testBotToken)
	user, err := v.Verify(initData)
	require.NoError(t, err)
	assert.Equal(t, int64(1027611560), user.ID)
	assert.Equal(t, "zybastuk", user.Username)
}

func TestVerifyTamperedInitData(t *testing.T) {
	t.Parallel()

	initData := signInitData(t, testBotToken, map[string]string{
		"auth_date": "1767225600",
		"user":      `{"id":1,"username":"alice"}`,
	})
	tampered := strings.Replace(initData, "alice", "mallory", 1)

	v := NewVerifier(testBotToken)
	_, err := v.Verify(tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyWrongBotToken(t *testing.T) {
	t.Parallel()

	initData := signInitData(t, "999999:other-token", map[string]string{
		"auth_date": "1767225600",
		"user":      `{"id":1}`,
	})

	v := NewVerifier(testBotToken)
	_, err := v.Verify(initData)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyMissingHash(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testBotToken)
	_, err := v.Verify("auth_date=1767225600&user=%7B%22id%22%3A1%7D")
	assert.ErrorIs(t, err, ErrNoHash)
}

func TestVerifyNoUserField(t *testing.T) {
	t.Parallel()

	initData := signInitData(t, testBotToken, map[string]string{
		"auth_date": "1767225600",
	})

	v := NewVerifier(testBotToken)
	user, err := v.Verify(initData)
	require.NoError(t, err)
	assert.Zero(t, user.ID)
}
