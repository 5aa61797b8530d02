package gateway

import "strings"

// dataEndpointFragments lists the backend paths where a 401 means "principal
// authenticated but not yet provisioned server-side" rather than "session
// expired". A 401 on any path containing one of these never forces sign-out.
var dataEndpointFragments = []string{
	"users/role",
	"user",
	"all-users",
	"student-orders",
	"scholar/moderator",
	"scholarship",
	"orders",
	"carts",
	"checkout",
	"payments",
	"create-payment-intent",
	"order",
}

// IsDataEndpoint reports whether the path belongs to the allow-list of data
// endpoints exempt from 401 sign-out escalation.
func IsDataEndpoint(path string) bool {
	for _, fragment := range dataEndpointFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}
