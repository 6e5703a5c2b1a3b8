package models

import "strings"

// PolicyMode selects how the contact list is interpreted.
type PolicyMode string

const (
	// PolicyWhitelist: only listed addresses receive automated replies.
	PolicyWhitelist PolicyMode = "whitelist"
	// PolicyBlacklist: every address except the listed ones receives
	// automated replies.
	PolicyBlacklist PolicyMode = "blacklist"
)

// ContactPolicy is the tenant's allow/block configuration for automated
// replies. The zero value (empty mode, no lists) allows everyone.
type ContactPolicy struct {
	Mode            PolicyMode `json:"mode"`
	AllowedContacts []string   `json:"allowed_contacts"`
	BlockedContacts []string   `json:"blocked_contacts"`
}

// AllowsAutomatedReply reports whether the policy permits an automated reply
// to the given counterpart address.
func (p ContactPolicy) AllowsAutomatedReply(address string) bool {
	if p.Mode == PolicyWhitelist {
		return matchesAny(p.AllowedContacts, address)
	}
	return !matchesAny(p.BlockedContacts, address)
}

func matchesAny(contacts []string, address string) bool {
	last := lastDigits(address, 9)
	if last == "" {
		return false
	}
	for _, c := range contacts {
		cd := lastDigits(c, 9)
		if cd == "" {
			continue
		}
		// Numbers arrive with varying country prefixes, so compare on the
		// trailing digits in either direction.
		if strings.Contains(cd, last) || strings.Contains(last, cd) {
			return true
		}
	}
	return false
}

func lastDigits(s string, n int) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := strings.TrimPrefix(b.String(), "0")
	if len(d) > n {
		d = d[len(d)-n:]
	}
	return d
}
