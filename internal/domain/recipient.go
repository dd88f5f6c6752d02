package domain

import "strings"

// Recipient is a contact owned by the surrounding CRM. The engine only
// needs its address.
type Recipient struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Address string `json:"address" db:"address"`
}

// SendingDomain maps a domain the platform sends from (and receives replies
// on) to the account that owns it.
type SendingDomain struct {
	Domain  string `json:"domain" db:"domain"`
	OwnerID string `json:"owner_id" db:"owner_id"`
}

// NormalizeAddress lowercases and trims an email address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// AddressDomain returns the lowercased domain part of an address, or "".
func AddressDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(address[at+1:], ">")))
}
