package model

import "errors"

var (
	// ErrNoCharacter is returned when the host has no active character.
	ErrNoCharacter = errors.New("no character selected")

	// ErrCharacterDataMissing is returned when the active character has no card data.
	ErrCharacterDataMissing = errors.New("character data missing")

	// ErrNoSession is returned when an operation needs a current session and there is none.
	ErrNoSession = errors.New("no active session")

	// ErrSessionNotFound is returned when a session binding is not found.
	ErrSessionNotFound = errors.New("session not found")
)
