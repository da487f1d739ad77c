package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Role gates which mutations a profile may issue.
type Role string

const (
	RoleUser       Role = "user"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

func (r Role) rank() int {
	switch r {
	case RoleManager:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r is as privileged as min.
func (r Role) AtLeast(min Role) bool { return r.rank() >= min.rank() }

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// CityList is a list of city codes stored as a JSON array column.
type CityList []string

// Value implements driver.Valuer.
func (c CityList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *CityList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(c))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(c))
	default:
		return fmt.Errorf("scan city list: unsupported type %T", src)
	}
}

// Profile is a row of the `profiles` table.
type Profile struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	Username     string     `db:"username"`
	PasswordHash *string    `db:"password_hash"`
	Role         Role       `db:"role"`
	Cities       CityList   `db:"cities"`
	CurrentCity  *string    `db:"current_city"`
	IsActive     bool       `db:"is_active"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at"`
}

// Summary is what an admin sees of a profile; it never carries the hash.
type Summary struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	Role        Role       `json:"role"`
	Cities      []string   `json:"cities"`
	CurrentCity string     `json:"current_city,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func (p Profile) Summary() Summary {
	s := Summary{
		ID:        p.ID,
		Email:     p.Email,
		Username:  p.Username,
		Role:      p.Role,
		Cities:    slices.Clone([]string(p.Cities)),
		Active:    p.IsActive,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if s.Cities == nil {
		s.Cities = []string{}
	}
	if p.CurrentCity != nil {
		s.CurrentCity = *p.CurrentCity
	}
	return s
}

// Identity is the read-only view of a profile the warehouse core relies on.
type Identity struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        Role     `json:"role"`
	Cities      []string `json:"cities"`
	CurrentCity string   `json:"current_city,omitempty"`
}

// CanAccess reports whether the identity may read or write the given city.
// Super admins carry the full city catalogue in Cities.
func (i Identity) CanAccess(city string) bool {
	return city != "" && slices.Contains(i.Cities, city)
}
