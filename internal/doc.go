// Package internal holds helpers shared across the engine that are not
// part of the public API.
package internal
