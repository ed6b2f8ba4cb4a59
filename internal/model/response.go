package model

import "github.com/tourbook/auth-service/internal/token"

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type RegisterResponse struct {
	Message string            `json:"message"`
	User    RegisteredAccount `json:"user"`
}

type ValidateResponse struct {
	Valid   bool          `json:"valid"`
	Decoded *token.Claims `json:"decoded,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type PublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
}

type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service"`
	Components map[string]ComponentStatus `json:"components"`
}

type PingResponse struct {
	Message string `json:"message"`
}
