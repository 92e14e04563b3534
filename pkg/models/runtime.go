package models

// RuntimeInfo describes the server runtime settings clients may need.
type RuntimeInfo struct {
	HTTPBaseURL string `json:"http_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
}
