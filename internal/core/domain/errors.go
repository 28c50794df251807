package domain

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTransportClosed = errors.New("transport closed")
	ErrEngineClosed    = errors.New("engine closed")
)
