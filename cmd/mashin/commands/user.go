package commands

import "os/user"

// osUser returns the current OS username, or "" if it cannot be
// determined (e.g. in a minimal container without /etc/passwd).
func osUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
