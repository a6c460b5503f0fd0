package transport

import (
	"github.com/meidoworks/sqlbus/service/busapi"
)

// DirectRouter resolves every URI to itself, optionally rewriting
// through a static alias table first. Aliases let deployments move a
// logical endpoint without touching senders.
type DirectRouter struct {
	Aliases map[string]string
}

var _ busapi.EndpointRouter = new(DirectRouter)

func (r *DirectRouter) GetRoutedEndpoint(uri string) busapi.Endpoint {
	if target, ok := r.Aliases[uri]; ok {
		return busapi.Endpoint{Uri: target}
	}
	return busapi.Endpoint{Uri: uri}
}
