package domain

import "time"

// Project is a git repository registered by a single owner.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repository"`
	CreatedAt time.Time `json:"created_at"`
}

// OwnedBy reports whether userID owns the project.
func (p Project) OwnedBy(userID string) bool {
	return userID != "" && p.OwnerID == userID
}
