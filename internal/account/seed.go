package account

import "time"

// Workspace is an account container.
type Workspace struct {
	ID   string
	Name string
}

// Key is a caller credential. A key with TimeDeleted set never resolves.
type Key struct {
	ID          string
	WorkspaceID string
	UserID      string
	Secret      string
	TimeDeleted *time.Time
}

// Disablement marks one model disabled for a workspace.
type Disablement struct {
	WorkspaceID string
	Model       string
}

// ProviderCredential is a workspace's own key for one upstream provider.
type ProviderCredential struct {
	WorkspaceID string
	Provider    string
	Credentials string
}

// Fixture is a batch of rows for Seed. Existing rows with the same primary
// key are left unchanged.
type Fixture struct {
	Workspaces  []Workspace
	Users       []User
	Billing     []Billing
	Keys        []Key
	Disablement []Disablement
	Credentials []ProviderCredential
}
