package governance

// CheckScope reports whether a resource owned by ownerTenant may be
// accessed in a request made on behalf of requestingTenant.
//
// Both identifiers must be non-empty and exactly equal, case-sensitive,
// with no normalization. An empty identifier on either side always fails:
// an operation can never be implicitly owned by nobody. This predicate is
// evaluated before any resource read or write proceeds; a false result is
// a fatal, non-retryable rejection.
func CheckScope(ownerTenant, requestingTenant string) bool {
	if ownerTenant == "" || requestingTenant == "" {
		return false
	}
	return ownerTenant == requestingTenant
}
