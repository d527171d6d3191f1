// Package identity models the opaque identity tokens callers present
// to the escrow service. A Badge names one non-fungible instance of a
// badge asset type; a Verified value is the typed result of having
// checked such a badge. Operations that grant pool authority only ever
// accept Verified, never a raw Badge, so the trust boundary is visible
// in the signatures.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Badge is a globally unique identity: one instance of a badge asset.
type Badge struct {
	Asset string `json:"asset"` // badge asset type id
	Local string `json:"local"` // instance id within the type
}

func (b Badge) String() string {
	return b.Asset + ":" + b.Local
}

func (b Badge) IsZero() bool {
	return b.Asset == "" && b.Local == ""
}

// ParseBadge parses the "asset:local" form produced by String.
func ParseBadge(s string) (Badge, error) {
	asset, local, ok := strings.Cut(s, ":")
	if !ok || asset == "" || local == "" {
		return Badge{}, fmt.Errorf("invalid badge %q", s)
	}
	return Badge{Asset: asset, Local: local}, nil
}

var ErrEmptyBadge = errors.New("empty identity badge")

// Verified is an identity whose badge has been through a verification
// step. The zero value is not usable.
type Verified struct {
	badge Badge
}

// Verify checks the badge and returns its verified form. The actual
// credential-proof machinery lives in the custody runtime; here the
// check is structural.
func Verify(b Badge) (Verified, error) {
	if b.Asset == "" || b.Local == "" {
		return Verified{}, ErrEmptyBadge
	}
	return Verified{badge: b}, nil
}

// TrustUnchecked wraps a badge without verification. Only for call
// sites that are access-controlled by construction, e.g. a badge that
// was just read out of a container the caller already owns.
func TrustUnchecked(b Badge) Verified {
	return Verified{badge: b}
}

func (v Verified) Badge() Badge { return v.badge }

func (v Verified) IsZero() bool { return v.badge.IsZero() }
