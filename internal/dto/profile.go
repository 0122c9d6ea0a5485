package dto

// UpdateProfileRequest lists the profile fields a user may change. Role, username and student
// number are not part of the allow-list.
type UpdateProfileRequest struct {
	FullName        *string `json:"full_name" validate:"omitnil,min=1,max=100"`
	Email           *string `json:"email" validate:"omitnil,email,max=100"`
	CurrentPassword *string `json:"current_password"`
	NewPassword     *string `json:"new_password" validate:"omitnil,min=6"`
}
