package api

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"` // python, javascript, html
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime"`
}

type RootResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Version string `json:"version"`
}
