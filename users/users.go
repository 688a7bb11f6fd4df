package users

import (
	"fmt"
	"strings"
)

// RoleType represents the role of the signed in user
type RoleType string

const (
	RoleStudent RoleType = "student" // Regular rider account
	RoleAdmin   RoleType = "admin"   // Staff account with management access
)

// ParseRole converts a backend role string into a RoleType.
func ParseRole(s string) (RoleType, error) {
	switch RoleType(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// User is the identity record the backend returns for an authenticated session.
type User struct {
	ID          string   `json:"id"`           // Backend user ID, the identity key of a session
	Email       string   `json:"email"`        // Sign-in email address
	DisplayName string   `json:"display_name"` // Name shown in the app
	Role        RoleType `json:"role"`         // student or admin
}

// Valid reports whether the record carries the fields a session needs.
func (u *User) Valid() bool {
	if u == nil || u.ID == "" {
		return false
	}
	_, err := ParseRole(string(u.Role))
	return err == nil
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Clone returns a copy that can be handed to callers without sharing state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
