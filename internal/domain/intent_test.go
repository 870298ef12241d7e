package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentStatusTerminal(t *testing.T) {
	assert.False(t, PaymentStatusPending.Terminal())
	assert.True(t, PaymentStatusPaid.Terminal())
	assert.True(t, PaymentStatusExpired.Terminal())
	assert.True(t, PaymentStatusFailed.Terminal())
}

func TestRenewalPayloadRoundTrip(t *testing.T) {
	intent := &PaymentIntent{Kind: IntentKindAccountRenewal}
	require.NoError(t, intent.SetRenewalPayload(RenewalPayload{Years: 3}))

	payload, err := intent.RenewalPayload()
	require.NoError(t, err)
	assert.Equal(t, 3, payload.Years)
}

func TestSendPayloadRoundTrip(t *testing.T) {
	intent := &PaymentIntent{Kind: IntentKindOutboundSend}
	require.NoError(t, intent.SetSendPayload(SendPayload{OutboundID: 42}))

	payload, err := intent.SendPayload()
	require.NoError(t, err)
	assert.Equal(t, uint(42), payload.OutboundID)
}

func TestPayloadKindMismatch(t *testing.T) {
	intent := &PaymentIntent{Kind: IntentKindAccountCreation}

	assert.ErrorIs(t, intent.SetRenewalPayload(RenewalPayload{Years: 1}), ErrPayloadKindMismatch)
	assert.ErrorIs(t, intent.SetSendPayload(SendPayload{OutboundID: 1}), ErrPayloadKindMismatch)

	_, err := intent.RenewalPayload()
	assert.ErrorIs(t, err, ErrPayloadKindMismatch)
	_, err = intent.SendPayload()
	assert.ErrorIs(t, err, ErrPayloadKindMismatch)
}
