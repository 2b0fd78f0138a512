package restore

// Profile carries the chart-specific behaviour restore needs.
type Profile struct {
	// Bootstrap charts are always recreated, and are restored before
	// everything else.
	Bootstrap bool
	// Primary charts are restored right after the bootstrap charts and must
	// be active before any CNPG-backed application is restored. If a primary
	// fails, its dependents are not attempted.
	Primary bool
}

// Profiles maps chart names to their restore behaviour. Charts not listed
// have the zero Profile.
type Profiles map[string]Profile

// DefaultProfiles covers the charts that need special handling on TrueNAS
// SCALE: the Prometheus operator installs CRDs other charts need, and the
// CloudNativePG operator runs every embedded database.
func DefaultProfiles() Profiles {
	return Profiles{
		"prometheus-operator": {Bootstrap: true},
		"cloudnative-pg":      {Primary: true},
	}
}

// For returns the profile of chart.
func (p Profiles) For(chart string) Profile {
	return p[chart]
}

func (p Profile) rank() int {
	switch {
	case p.Bootstrap:
		return 0
	case p.Primary:
		return 1
	default:
		return 2
	}
}
