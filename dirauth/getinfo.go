package dirauth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/torrelay/dirauth/common"
)

// formatRouterStatus renders one RouterStatus as a single line, the shape
// GETINFO ns/* responses concatenate.
func formatRouterStatus(rs *RouterStatus) string {
	var flags []string
	for _, f := range []struct {
		bit  RouterFlag
		name string
	}{
		{FlagAuthority, "Authority"},
		{FlagExit, "Exit"},
		{FlagStable, "Stable"},
		{FlagFast, "Fast"},
		{FlagRunning, "Running"},
		{FlagNamed, "Named"},
		{FlagUnnamed, "Unnamed"},
		{FlagValid, "Valid"},
		{FlagV2Dir, "V2Dir"},
		{FlagGuard, "Guard"},
		{FlagBadExit, "BadExit"},
		{FlagBadDirectory, "BadDirectory"},
		{FlagHSDir, "HSDir"},
	} {
		if rs.HasFlag(f.bit) {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("r %s %s %s %s %s\ns %s",
		rs.Nickname,
		rs.IdentityDigest.Hex(),
		hexBytes(rs.DescriptorDigest),
		rs.Address,
		portPair(rs.ORPort, rs.DirPort),
		strings.Join(flags, " "),
	)
}

func hexBytes(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0xf]
	}
	return string(out)
}

func portPair(or, dir uint16) string {
	return strconv.Itoa(int(or)) + " " + strconv.Itoa(int(dir))
}

// GetInfoAll implements GETINFO ns/all: concatenated
// formatted entries from the current usable-flavor consensus.
func (s *Store) GetInfoAll() string {
	c := s.current[s.opts.UsableFlavor]
	if c == nil {
		return ""
	}
	var b strings.Builder
	for i := range c.RouterStatus {
		b.WriteString(formatRouterStatus(&c.RouterStatus[i]))
		b.WriteString("\n")
	}
	return b.String()
}

// GetInfoByID implements GETINFO ns/id/<hex>: a single entry
// by identity digest, case-insensitive hex.
func (s *Store) GetInfoByID(hexDigest string) (string, bool) {
	id, err := common.Digest20FromHex(strings.ToLower(hexDigest))
	if err != nil {
		return "", false
	}
	c := s.current[s.opts.UsableFlavor]
	if c == nil {
		return "", false
	}
	rs, ok := c.FindByIdentity(id)
	if !ok {
		return "", false
	}
	return formatRouterStatus(rs), true
}

// GetInfoByName implements GETINFO ns/name/<nickname>: a
// single entry via the nickname map, warning (via EventSink) if the name
// resolves to "known-unnamed" instead of a concrete identity.
func (s *Store) GetInfoByName(nickname string) (string, bool) {
	id, named, unnamed := s.LookupNickname(nickname)
	if unnamed {
		if s.opts.Events != nil {
			s.opts.Events.GeneralStatus(SeverityWarn, "nickname "+nickname+" is Unnamed, not resolvable to a single router")
		}
		return "", false
	}
	if !named {
		return "", false
	}
	c := s.current[s.opts.UsableFlavor]
	if c == nil {
		return "", false
	}
	rs, ok := c.FindByIdentity(id)
	if !ok {
		return "", false
	}
	return formatRouterStatus(rs), true
}

// GetInfoByPurpose implements GETINFO ns/purpose/<purpose>. Since RouterStatus carries no purpose field
// of its own in this rewrite's data model, purpose is resolved via a caller-supplied predicate over the
// identity digest — wiring a real "purpose" tag (e.g. bridge vs relay)
// is a node-list concern external to this package.
func (s *Store) GetInfoByPurpose(purpose string, hasPurpose func(id common.Digest20, purpose string) bool) string {
	c := s.current[s.opts.UsableFlavor]
	if c == nil || hasPurpose == nil {
		return ""
	}
	var b strings.Builder
	for i := range c.RouterStatus {
		rs := &c.RouterStatus[i]
		if hasPurpose(rs.IdentityDigest, purpose) {
			b.WriteString(formatRouterStatus(rs))
			b.WriteString("\n")
		}
	}
	return b.String()
}
