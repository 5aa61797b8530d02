package principal

// Principal is an authenticated identity as reported by the identity provider.
// The session store owns the single copy; every other component receives it
// read-only.
type Principal struct {
	// ID is the provider-assigned stable identifier.
	ID string
	// DisplayName is the human-readable name set at registration.
	DisplayName string
	// Email is the contact address and the key used for role resolution.
	Email string
	// AvatarURL points at a hosted profile image; empty when unset.
	AvatarURL string
}
