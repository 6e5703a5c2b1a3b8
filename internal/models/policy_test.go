package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContactPolicyZeroValueAllowsEveryone(t *testing.T) {
	var p ContactPolicy
	assert.True(t, p.AllowsAutomatedReply("5511999887766@s.whatsapp.net"))
}

func TestContactPolicyWhitelist(t *testing.T) {
	p := ContactPolicy{
		Mode:            PolicyWhitelist,
		AllowedContacts: []string{"+55 11 99988-7766"},
	}

	assert.True(t, p.AllowsAutomatedReply("5511999887766@s.whatsapp.net"))
	assert.False(t, p.AllowsAutomatedReply("5511888776655@s.whatsapp.net"))
}

func TestContactPolicyBlacklist(t *testing.T) {
	p := ContactPolicy{
		Mode:            PolicyBlacklist,
		BlockedContacts: []string{"5511999887766"},
	}

	assert.False(t, p.AllowsAutomatedReply("5511999887766@s.whatsapp.net"))
	assert.True(t, p.AllowsAutomatedReply("5511888776655@s.whatsapp.net"))
}

func TestContactPolicyMatchesAcrossPrefixVariants(t *testing.T) {
	p := ContactPolicy{
		Mode: PolicyBlacklist,
		// Stored without country code and with a leading zero.
		BlockedContacts: []string{"011 99988-7766"},
	}

	assert.False(t, p.AllowsAutomatedReply("5511999887766@s.whatsapp.net"))
}

func TestContactPolicyIgnoresNonNumericEntries(t *testing.T) {
	p := ContactPolicy{
		Mode:            PolicyWhitelist,
		AllowedContacts: []string{"not-a-number"},
	}

	assert.False(t, p.AllowsAutomatedReply("5511999887766@s.whatsapp.net"))
	assert.False(t, p.AllowsAutomatedReply("status@broadcast"))
}
