// Package platform resolves optional native capabilities once at startup,
// instead of scattering availability probes through the codebase.
package platform

// Capabilities reports which optional integrations the running platform
// provides. Resolved once and injected into the components that branch on
// it.
type Capabilities struct {
	HasMaps           bool
	HasNativePayments bool
	HasPositioning    bool
}

// Detect builds Capabilities from the provided probes. A nil probe means
// the capability is absent.
func Detect(maps, payments, positioning func() bool) Capabilities {
	probe := func(f func() bool) bool {
		if f == nil {
			return false
		}
		return f()
	}
	return Capabilities{
		HasMaps:           probe(maps),
		HasNativePayments: probe(payments),
		HasPositioning:    probe(positioning),
	}
}
