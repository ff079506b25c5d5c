package hashdiff

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/open-edge-platform/bhyze/internal/diagerr"
	rpmutils "github.com/sassoftware/go-rpmutils"
)

// DecodeEscapes expands backslash escapes as printed in a bytes literal
// (\n, \t, \\, \', \xHH, ...). Unknown escapes are kept verbatim.
func DecodeEscapes(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for len(s) > 0 {
		if s[0] != '\\' || len(s) == 1 {
			sb.WriteByte(s[0])
			s = s[1:]
			continue
		}
		if s[1] == '\'' || s[1] == '"' {
			sb.WriteByte(s[1])
			s = s[2:]
			continue
		}
		value, multibyte, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			sb.WriteByte('\\')
			s = s[1:]
			continue
		}
		if multibyte {
			sb.WriteRune(value)
		} else {
			sb.WriteByte(byte(value))
		}
		s = tail
	}
	return sb.String()
}

// ParseIdentity splits an install-signature identity such as
// "bash-5.1.8-6.el9" or "1:openssl-3.0.7-1" into its parts. With a release
// present the last two dash-delimited segments are version and release, so
// names may contain digit-led segments ("python-2to3-1.0-1"). Otherwise the
// version is the first segment beginning with a digit. An epoch may prefix
// either the whole token or the version.
func ParseIdentity(token string) (rpmutils.NEVRA, error) {
	var nevra rpmutils.NEVRA

	rest := token
	if e, r, ok := cutEpoch(rest); ok {
		nevra.Epoch, rest = e, r
	}

	parts := strings.Split(rest, "-")
	vi := -1
	if n := len(parts); n >= 3 && startsWithDigit(parts[n-2]) {
		vi = n - 2
	}
	for i := 1; vi < 0 && i < len(parts); i++ {
		if startsWithDigit(parts[i]) {
			vi = i
		}
	}
	if vi < 0 {
		if len(parts) < 2 {
			return nevra, &diagerr.ParseError{Source: "install signature identity", Line: token,
				Err: fmt.Errorf("no version separator")}
		}
		vi = len(parts) - 1
		if len(parts) > 2 {
			vi = len(parts) - 2
		}
	}

	nevra.Name = strings.Join(parts[:vi], "-")
	nevra.Version = parts[vi]
	nevra.Release = strings.Join(parts[vi+1:], "-")
	if e, v, ok := cutEpoch(nevra.Version); ok {
		nevra.Epoch, nevra.Version = e, v
	}
	if nevra.Name == "" || nevra.Version == "" {
		return nevra, &diagerr.ParseError{Source: "install signature identity", Line: token,
			Err: fmt.Errorf("empty name or version")}
	}
	return nevra, nil
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// cutEpoch splits a leading "<digits>:" epoch.
func cutEpoch(s string) (epoch, rest string, ok bool) {
	e, r, found := strings.Cut(s, ":")
	if !found || e == "" {
		return "", s, false
	}
	for _, c := range e {
		if c < '0' || c > '9' {
			return "", s, false
		}
	}
	return e, r, true
}

// VersionChange describes how an identity moved between two builds.
type VersionChange string

const (
	Upgraded   VersionChange = "upgraded"
	Downgraded VersionChange = "downgraded"
	Replaced   VersionChange = "replaced"
)

// CompareIdentities reports whether ins is an upgrade or a downgrade of ref.
// Identities naming different packages are a replacement.
func CompareIdentities(ref, ins string) VersionChange {
	a, errA := ParseIdentity(ref)
	b, errB := ParseIdentity(ins)
	if errA != nil || errB != nil || a.Name != b.Name {
		return Replaced
	}
	cmp := rpmutils.Vercmp(epochOrZero(a.Epoch), epochOrZero(b.Epoch))
	if cmp == 0 {
		cmp = rpmutils.Vercmp(a.Version, b.Version)
	}
	if cmp == 0 {
		cmp = rpmutils.Vercmp(a.Release, b.Release)
	}
	switch {
	case cmp < 0:
		return Upgraded
	case cmp > 0:
		return Downgraded
	default:
		return Replaced
	}
}

func epochOrZero(e string) string {
	if e == "" {
		return "0"
	}
	return e
}
