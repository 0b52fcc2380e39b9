package gpt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// GUID is a 128-bit identifier stored exactly as it appears on disk: the
// first three fields little-endian, the last two big-endian byte runs, per
// the UEFI/Microsoft mixed-endian GUID convention.
type GUID [16]byte

// Zero is the all-zero GUID; a partition entry with this as its type GUID is
// not present.
var Zero GUID

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool { return g == Zero }

// String renders the canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx form.
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		binary.BigEndian.Uint16(g[8:10]),
		g[10:16])
}

// fromUUID converts a standard (RFC 4122 textual order) UUID into its
// on-disk GPT byte layout by reversing the first three fields.
func fromUUID(u uuid.UUID) GUID {
	var g GUID
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:16], u[8:16])
	return g
}

// toUUID is the inverse of fromUUID.
func (g GUID) toUUID() uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	copy(u[8:16], g[8:16])
	return u
}

// ParseGUID parses a canonical dashed GUID/UUID string, such as the
// well-known partition type GUIDs, into its on-disk byte layout.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("gpt: invalid GUID %q: %w", s, err)
	}
	return fromUUID(u), nil
}

// MustParseGUID is ParseGUID but panics on error; used for package-level
// well-known GUID constants below.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// NewRandomGUID generates a new random (v4) GUID, e.g. for a fresh disk or
// partition unique identifier.
func NewRandomGUID() GUID {
	return fromUUID(uuid.New())
}

// Well-known partition type GUIDs used by the Android/UFS ecosystem this
// driver targets.
var (
	TypeLinuxFilesystemData = MustParseGUID("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	TypeEFISystem           = MustParseGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
)
