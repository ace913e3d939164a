package db

import "time"

// PermissionGrant represents a row in the permission_grants table.
type PermissionGrant struct {
	App        string    `json:"app"`
	Permission string    `json:"permission"`
	Mode       string    `json:"mode"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}
