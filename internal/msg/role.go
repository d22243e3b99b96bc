package msg

import (
	"encoding/json"
	"fmt"
)

// Role classifies a session participant. The host is the process that
// opened the session; every other role arrives over the wire.
type Role int

const (
	RoleHost Role = iota
	RolePusher
	RoleObserver
	RoleDirector
)

var roleNames = map[Role]string{
	RoleHost:     "host",
	RolePusher:   "pusher",
	RoleObserver: "observer",
	RoleDirector: "director",
}

var roleFromName = map[string]Role{
	"host":     RoleHost,
	"pusher":   RolePusher,
	"observer": RoleObserver,
	"director": RoleDirector,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// CanPush reports whether the role may stream trace messages into the
// session. Fixed at handshake time, total over the enumeration.
func (r Role) CanPush() bool {
	return r != RoleObserver
}

// CanObserve reports whether the role may attach an observer to the
// session's live feed.
func (r Role) CanObserve() bool {
	return r != RolePusher
}

// IsClient reports whether the role arrived over a connection, as
// opposed to the implicit host registered at session open.
func (r Role) IsClient() bool {
	return r != RoleHost
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := roleFromName[s]
	if !ok {
		return fmt.Errorf("unknown role %q", s)
	}
	*r = v
	return nil
}

// ClientRole is the wire-facing subset of Role: the roles a remote
// connection may claim. The host role is never negotiated.
type ClientRole struct {
	role Role
}

var (
	ClientPusher   = ClientRole{RolePusher}
	ClientObserver = ClientRole{RoleObserver}
	ClientDirector = ClientRole{RoleDirector}
)

func (c ClientRole) Role() Role       { return c.role }
func (c ClientRole) CanPush() bool    { return c.role.CanPush() }
func (c ClientRole) CanObserve() bool { return c.role.CanObserve() }
func (c ClientRole) String() string   { return c.role.String() }
