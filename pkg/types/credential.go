package types

// Credential is a CredentialVault record's metadata. The vault's List
// operation returns only this shape — plaintext never appears here.
type Credential struct {
	ID        string      `json:"id"`
	Provider  ProviderKey `json:"provider"`
	Label     string      `json:"label"`
	CreatedAt int64       `json:"createdAt"`
}

// ResolvedCredential is the transient, in-process result of a vault Get:
// it carries plaintext and must never be persisted or logged.
type ResolvedCredential struct {
	Provider ProviderKey
	APIKey   string
}
