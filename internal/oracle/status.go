package oracle

import "fmt"

// Status is the trust state of the arbiter.
type Status uint8

const (
	// PrimaryTrusted: the primary feed is healthy and used.
	PrimaryTrusted Status = iota
	// SecondaryTrustedPrimaryDistrusted: the primary misbehaved; the
	// secondary is used until both agree again.
	SecondaryTrustedPrimaryDistrusted
	// BothDistrusted: neither feed is usable; the last good price is returned.
	BothDistrusted
	// SecondaryTrustedPrimaryFrozen: the primary stopped updating but is not
	// broken; the secondary is used.
	SecondaryTrustedPrimaryFrozen
	// PrimaryTrustedSecondaryDistrusted: the primary is used while the
	// secondary is broken.
	PrimaryTrustedSecondaryDistrusted
)

var statusNames = [...]string{
	PrimaryTrusted:                    "PrimaryTrusted",
	SecondaryTrustedPrimaryDistrusted: "SecondaryTrusted_PrimaryDistrusted",
	BothDistrusted:                    "BothDistrusted",
	SecondaryTrustedPrimaryFrozen:     "SecondaryTrusted_PrimaryFrozen",
	PrimaryTrustedSecondaryDistrusted: "PrimaryTrusted_SecondaryDistrusted",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("oracle: unknown status %q", name)
}
