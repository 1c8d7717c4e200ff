package util

import "github.com/google/uuid"

// NewReqID genera un identificador para correlacionar peticiones en logs y
// respuestas.
func NewReqID() string {
	return uuid.NewString()
}
