package models

// ContactRole 联系人级别
type ContactRole string

const (
	RolePrimary   ContactRole = "primary"
	RoleSecondary ContactRole = "secondary"
	RoleTertiary  ContactRole = "tertiary"
)

// Contact 紧急联系人（对应 contacts 表）
type Contact struct {
	ContactID    string      `json:"contact_id" db:"contact_id"`
	UserID       string      `json:"user_id" db:"user_id"`
	Name         string      `json:"name" db:"name"`
	PhoneNumber  string      `json:"phone_number" db:"phone_number"`
	Relationship string      `json:"relationship" db:"relationship"`
	Role         ContactRole `json:"role" db:"role"`
	Verified     bool        `json:"verified" db:"verified"`
	Favorite     bool        `json:"favorite" db:"favorite"`
	Email        *string     `json:"email,omitempty" db:"email"`
	Notes        *string     `json:"notes,omitempty" db:"notes"`
}

// RolePriority 级别排序权重（primary 最优先）
func (r ContactRole) RolePriority() int {
	switch r {
	case RolePrimary:
		return 0
	case RoleSecondary:
		return 1
	case RoleTertiary:
		return 2
	default:
		return 3
	}
}
