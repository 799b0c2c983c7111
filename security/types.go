package security

import (
	"time"
)

// Permission represents an atomic authorization grant
type Permission string

const (
	PermRead     Permission = "read"
	PermWrite    Permission = "write"
	PermAdmin    Permission = "admin"     // Collection management
	PermSuper    Permission = "superuser" // Full system access
	PermCreateDB Permission = "create_db"
	PermDropDB   Permission = "drop_db"
)

// Role defines a named set of permissions
type Role struct {
	Name        string       `json:"name"`
	Database    string       `json:"database"` // "" for global roles, or specific DB
	Permissions []Permission `json:"permissions"`
}

// User represents an authenticated entity
type User struct {
	Username       string    `json:"username"`
	HashedPassword string    `json:"hashed_password"` // "StoredKey:ServerKey:Iterations" SCRAM-SHA-256 credential
	Salt           string    `json:"salt"`
	Roles          []Role    `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Default Roles
var (
	RoleRoot = Role{
		Name:        "root",
		Database:    "", // Global
		Permissions: []Permission{PermSuper},
	}
	RoleReadWrite = Role{
		Name:        "readWrite",
		Permissions: []Permission{PermRead, PermWrite},
	}
	RoleRead = Role{
		Name:        "read",
		Permissions: []Permission{PermRead},
	}
)

// HasPermission reports whether the user holds perm on db, either through a
// global role (Database == "") or one scoped to db specifically. PermAdmin
// on a database implies PermRead/PermWrite on that same database.
func (u *User) HasPermission(db string, perm Permission) bool {
	for _, role := range u.Roles {
		if role.Database == "" {
			if containsPerm(role.Permissions, PermSuper) || containsPerm(role.Permissions, perm) {
				return true
			}
			continue
		}

		if role.Database != db {
			continue
		}
		if containsPerm(role.Permissions, perm) {
			return true
		}
		if containsPerm(role.Permissions, PermAdmin) && (perm == PermRead || perm == PermWrite) {
			return true
		}
	}
	return false
}

func containsPerm(perms []Permission, target Permission) bool {
	for _, p := range perms {
		if p == target {
			return true
		}
	}
	return false
}
