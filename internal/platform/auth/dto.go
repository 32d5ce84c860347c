package auth

type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type RegisterResponse struct {
	Account  *Account `json:"account"`
	CodeSent bool     `json:"code_sent"`
}

// VerifyRequest: username + code か token のどちらか
type VerifyRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
	Token    string `json:"token"`
}

type ResendRequest struct {
	Email string `json:"email" binding:"required"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type UpdateProfileRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}

type SetRoleRequest struct {
	Role string `json:"role" binding:"required,oneof=user admin"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorDTO struct {
	Error errorBody `json:"error"`
}
