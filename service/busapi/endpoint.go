package busapi

import (
	"errors"
	"net/url"
	"strings"
)

var ErrEndpointNoQueueName = errors.New("endpoint uri carries no queue name")

// QueueNameFromUri extracts the queue name (the last path segment) from a
// bus endpoint URI such as sqlbus://host/orders.
func QueueNameFromUri(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "", ErrEndpointNoQueueName
	}
	return name, nil
}

// SubQueueFromUri extracts the optional subqueue addressed by the URI
// fragment, e.g. sqlbus://host/orders#discarded.
func SubQueueFromUri(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Fragment
}

// AddSubQueue addresses a subqueue of the endpoint.
func AddSubQueue(uri string, subQueue string) string {
	base, _, _ := strings.Cut(uri, "#")
	return base + "#" + subQueue
}
