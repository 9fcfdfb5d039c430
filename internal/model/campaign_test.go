package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChannels(t *testing.T) {
	got, err := NormalizeChannels([]Channel{ChannelMessaging, ChannelAds, ChannelMessaging})
	require.NoError(t, err)
	assert.Equal(t, []Channel{ChannelMessaging, ChannelAds}, got)

	_, err = NormalizeChannels(nil)
	assert.Error(t, err)

	_, err = NormalizeChannels([]Channel{"fax"})
	assert.Error(t, err)
}

func TestIntegrationUsable(t *testing.T) {
	var missing *Integration
	assert.False(t, missing.Usable())
	assert.False(t, (&Integration{Connected: true, CipherText: []byte{1}}).Usable())
	assert.True(t, (&Integration{Connected: true, Verified: true, CipherText: []byte{1}}).Usable())
}
