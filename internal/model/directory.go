package model

// Participant is a directory entry of the employee roster. Chat reads it, never writes it.
type Participant struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	AvatarURL   string `json:"avatarUrl,omitempty" yaml:"avatar_url"`
}

type Channel struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}
