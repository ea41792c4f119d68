package model

// Identity is the authenticated principal supplied by the identity provider.
type Identity struct {
	Name  string `json:"name" validate:"required,min=2,max=100"`
	Email string `json:"email" validate:"required,email"`
}
