package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	pdcrypto "github.com/pairdaemon/pairdaemon/internal/crypto"
)

func TestPairingIdempotence(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	token := s.PairingToken()
	require.NotEmpty(t, token)

	client, err := pdcrypto.GenerateKeyPair()
	require.NoError(t, err)

	device, err := s.ConsumeAndPair(token, client.PublicKey)
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)

	// Replay of the same token must fail and the device record must
	// not change.
	_, err = s.ConsumeAndPair(token, client.PublicKey)
	require.Error(t, err)

	devices := s.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, device.ID, devices[0].ID)
}

func TestCanPairRejectsWhenAlreadyPaired(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	token := s.PairingToken()
	client, err := pdcrypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = s.ConsumeAndPair(token, client.PublicKey)
	require.NoError(t, err)

	require.False(t, s.CanPair(token))
}

func TestConversationAppendAndLoad(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	convs := s.Conversations()

	_, err = convs.Append("demo", Message{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)

	conv, err := convs.Append("demo", Message{Role: RoleAssistant, Text: "hello", Status: "completed"})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)

	require.NoError(t, convs.SetAgentSessionID("demo", "s1"))

	reloaded, err := convs.Load("demo")
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 2)
	require.Equal(t, "s1", reloaded.AgentSessionID)
}
