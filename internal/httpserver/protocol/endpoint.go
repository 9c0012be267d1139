// Package protocol describes how endpoint groups plug into the HTTP router.
package protocol

import "net/http"

// EndpointRoute is one method + chi path pattern.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named group of routes that can be mounted or left out by key.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
