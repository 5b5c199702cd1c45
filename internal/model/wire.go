package model

// EventPage is the response body of GET /api/events.
type EventPage struct {
	Events     []Event `json:"events"`
	HasNext    bool    `json:"has_next"`
	NextCursor *Cursor `json:"next_cursor,omitempty"`
}

// NewEventsCount is the response body of GET /api/events/new/count.
type NewEventsCount struct {
	TotalCount    int `json:"total_count"`
	CriticalCount int `json:"critical_count"`
}

// User is an authenticated account profile.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the success body of POST /api/login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ErrorResponse is the JSON error body returned by the remote API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
