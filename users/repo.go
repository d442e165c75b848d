package users

// Repo defines the interface for user account storage.
type Repo interface {
	// Upsert creates or updates a user
	Upsert(user *User) error

	// Delete removes a user by username
	Delete(username string) error

	// GetByUsername retrieves a user by username
	GetByUsername(username string) (*User, error)

	// GetByID retrieves a user by ID
	GetByID(id string) (*User, error)
}
