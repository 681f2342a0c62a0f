package cit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// FamilyId, DeviceId and UserId are opaque, regex-constrained strings.
type (
	FamilyId string
	DeviceId string
	UserId   string
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,127}$`)

func (f FamilyId) Valid() bool { return idPattern.MatchString(string(f)) }
func (d DeviceId) Valid() bool { return idPattern.MatchString(string(d)) }
func (u UserId) Valid() bool   { return idPattern.MatchString(string(u)) }

// NewDeviceId returns a fresh random device identifier.
func NewDeviceId() DeviceId {
	return DeviceId("device-" + uuid.NewString())
}

// NewTraceId returns a fresh ephemeral identifier suitable for request
// traces and spans (not persisted as part of a MemoryRecord, unlike
// RecordId, so a UUID rather than a ULID is appropriate here).
func NewTraceId() string {
	return uuid.NewString()
}

// SpaceKind enumerates the five sharing scopes a SpaceId may take.
type SpaceKind string

const (
	SpacePersonal     SpaceKind = "personal"
	SpaceSelective     SpaceKind = "selective"
	SpaceSharedHouse   SpaceKind = "shared"
	SpaceExtended      SpaceKind = "extended"
	SpaceInterfamily   SpaceKind = "interfamily"
)

// SpaceId identifies a privacy scope, one of:
//
//	personal:{u}, selective:{label}, shared:household,
//	extended:{label}, interfamily:{label}
type SpaceId string

var spaceRe = regexp.MustCompile(`^(personal|selective|shared|extended|interfamily):[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Valid reports whether the space id has a recognized shape.
func (s SpaceId) Valid() bool {
	if s == "shared:household" {
		return true
	}
	return spaceRe.MatchString(string(s))
}

// Kind returns the sharing scope of the space id, or "" if invalid.
func (s SpaceId) Kind() SpaceKind {
	parts := strings.SplitN(string(s), ":", 2)
	if len(parts) != 2 {
		return ""
	}
	switch SpaceKind(parts[0]) {
	case SpacePersonal, SpaceSelective, SpaceSharedHouse, SpaceExtended, SpaceInterfamily:
		return SpaceKind(parts[0])
	default:
		return ""
	}
}

// IsShareable reports whether records in this space may ever leave the
// owning device, per §4.3 space policy ("personal:* never leaves owner
// device without explicit consent op").
func (s SpaceId) IsShareable() bool {
	return s.Kind() != SpacePersonal
}

// NewPersonalSpace builds a personal:{u} space id for a user.
func NewPersonalSpace(u UserId) SpaceId {
	return SpaceId(fmt.Sprintf("personal:%s", u))
}

// Band is content sensitivity, monotonically ordered GREEN < AMBER < RED < BLACK.
type Band int

const (
	BandGreen Band = iota
	BandAmber
	BandRed
	BandBlack
)

func (b Band) String() string {
	switch b {
	case BandGreen:
		return "GREEN"
	case BandAmber:
		return "AMBER"
	case BandRed:
		return "RED"
	case BandBlack:
		return "BLACK"
	default:
		return "UNKNOWN"
	}
}

// ParseBand parses the canonical band enum string.
func ParseBand(s string) (Band, error) {
	switch strings.ToUpper(s) {
	case "GREEN":
		return BandGreen, nil
	case "AMBER":
		return BandAmber, nil
	case "RED":
		return BandRed, nil
	case "BLACK":
		return BandBlack, nil
	default:
		return 0, fmt.Errorf("cit: unknown band %q", s)
	}
}

// MaxBand returns the more sensitive (numerically larger) of a and b —
// used to compute PDP's obligation band floor (§4.3 step 5).
func MaxBand(a, b Band) Band {
	if a > b {
		return a
	}
	return b
}

// Embedding is a fixed-dimensional float vector. Its dimension is set at
// cold-start (vector.dim, §6.4) and immutable thereafter; a mismatch is a
// SchemaError (§7).
type Embedding []float32
