package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// Identity is the resolved user a guest command runs as.
type Identity struct {
	specs.User
	Home string
}

// RootIdentity is used when no userspec is configured.
func RootIdentity() Identity {
	return Identity{User: specs.User{UID: 0, GID: 0, Username: "root"}, Home: "/root"}
}

func (id Identity) String() string {
	if id.Username != "" {
		return fmt.Sprintf("%s(%d:%d)", id.Username, id.UID, id.GID)
	}
	return fmt.Sprintf("%d:%d", id.UID, id.GID)
}

// Userspec is an unresolved USER:GROUP pair, each a name or a numeric id.
type Userspec struct {
	User  string
	Group string
}

func (u Userspec) String() string {
	return u.User + ":" + u.Group
}

// ParseUserspec checks the USER:GROUP form without consulting any database.
func ParseUserspec(s string) (Userspec, error) {
	name, group, ok := strings.Cut(s, ":")
	if !ok || name == "" || group == "" {
		return Userspec{}, validationError("userspec", "userspec must be USER:GROUP").
			WithContext("userspec", s)
	}
	for _, part := range []string{name, group} {
		if strings.HasPrefix(part, "-") || strings.ContainsAny(part, ":\x00 \t\n") {
			return Userspec{}, validationError("userspec", "invalid user or group name").
				WithContext("userspec", s)
		}
		if n, err := strconv.Atoi(part); err == nil && n < 0 {
			return Userspec{}, validationError("userspec", "ids cannot be negative").
				WithContext("userspec", s)
		}
	}
	return Userspec{User: name, Group: group}, nil
}

// ResolveIdentity resolves spec against the guest's /etc/passwd and
// /etc/group, never the host's. Numeric ids need no database entry.
func ResolveIdentity(root string, spec Userspec) (Identity, error) {
	passwdPath, err := resolveGuestPath(root, "/etc/passwd")
	if err != nil {
		return Identity{}, err
	}
	groupPath, err := resolveGuestPath(root, "/etc/group")
	if err != nil {
		return Identity{}, err
	}

	defaults := &user.ExecUser{Uid: 0, Gid: 0, Home: "/"}
	execUser, err := user.GetExecUserPath(spec.String(), defaults, passwdPath, groupPath)
	if err != nil {
		return Identity{}, NewGuestErrorWithCause(ErrValidation, "failed to resolve userspec in guest", err).
			WithContext("userspec", spec.String()).
			WithComponent("identity")
	}

	id := Identity{
		User: specs.User{
			UID: uint32(execUser.Uid),
			GID: uint32(execUser.Gid),
		},
		Home: execUser.Home,
	}
	for _, g := range execUser.Sgids {
		if uint32(g) != id.GID {
			id.AdditionalGids = append(id.AdditionalGids, uint32(g))
		}
	}

	// Carry the login name for USER/LOGNAME when the guest knows it.
	if users, err := user.ParsePasswdFileFilter(passwdPath, func(u user.User) bool {
		return u.Uid == execUser.Uid
	}); err == nil && len(users) > 0 {
		id.Username = users[0].Name
	}
	return id, nil
}

// environment returns the identity specific variables for a guest process.
func (id Identity) environment() []string {
	env := []string{"HOME=" + id.Home}
	if id.Username != "" {
		env = append(env, "USER="+id.Username, "LOGNAME="+id.Username)
	}
	return env
}
