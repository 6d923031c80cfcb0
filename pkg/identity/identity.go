// Package identity models the realm/device/user triple that identifies a
// device within a realm, and the friendly-name encoding of that triple
// carried in the subject CN of a device's leaf certificate.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
)

// Triple is the (realm, device, user) identity of a device inside a realm.
type Triple struct {
	RealmID  uint64
	DeviceID uint64
	UserID   uint64
}

// Identity is a fully resolved identity: the triple plus the realm's
// management URL and the friendly name derived from the triple.
type Identity struct {
	Triple
	URL          string
	FriendlyName string
}

var friendlyNameRe = regexp.MustCompile(`^<rid:([0-9a-fA-F]+)><did:([0-9a-fA-F]+)><uid:([0-9a-fA-F]+)>$`)

// Format renders the triple using the friendly-name wire format,
// "<rid:%x><did:%x><uid:%x>".
func Format(t Triple) string {
	return fmt.Sprintf("<rid:%x><did:%x><uid:%x>", t.RealmID, t.DeviceID, t.UserID)
}

// Parse is the exact inverse of Format: it recovers the triple encoded in a
// friendly name, or reports an error if name is not in that format.
func Parse(name string) (Triple, error) {
	m := friendlyNameRe.FindStringSubmatch(name)
	if m == nil {
		return Triple{}, fmt.Errorf("identity: %q is not a valid friendly name", name)
	}
	rid, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return Triple{}, fmt.Errorf("identity: realm id: %w", err)
	}
	did, err := strconv.ParseUint(m[2], 16, 64)
	if err != nil {
		return Triple{}, fmt.Errorf("identity: device id: %w", err)
	}
	uid, err := strconv.ParseUint(m[3], 16, 64)
	if err != nil {
		return Triple{}, fmt.Errorf("identity: user id: %w", err)
	}
	return Triple{RealmID: rid, DeviceID: did, UserID: uid}, nil
}
