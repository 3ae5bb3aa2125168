package capability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Interface names a guest may import.
const (
	IfaceHTTPClientV1_0 = "greentic:http/client@1.0.0"
	IfaceHTTPClientV1_1 = "greentic:http/http-client@1.1.0"
	IfaceSecrets        = "greentic:secrets-store/secrets-store@1.0.0"
	IfaceState          = "greentic:state/state-store@1.0.0"
)

// Function names per capability.
const (
	FnSend   = "send"
	FnGet    = "get"
	FnPut    = "put"
	FnRead   = "read"
	FnWrite  = "write"
	FnDelete = "delete"
)

var (
	// ErrUnknownInterface is returned for interface names no route accepts.
	ErrUnknownInterface = errors.New("unknown capability interface")
	// ErrUnknownFunction is returned for functions an interface does not export.
	ErrUnknownFunction = errors.New("unknown capability function")
)

// Kind identifies which capability a route serves.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindSecrets Kind = "secrets"
	KindState   Kind = "state"
)

// Revision maps one wire revision of the transport schema to and from the
// canonical Request/Response. The host uses DecodeRequest and EncodeResult;
// guest-side clients use EncodeRequest and DecodeResult.
type Revision interface {
	// Interface is the canonical interface name of this revision.
	Interface() string
	DecodeRequest(payload []byte) (Request, error)
	EncodeResult(resp *Response, fault *Fault) ([]byte, error)
	EncodeRequest(req Request) ([]byte, error)
	// DecodeResult returns the response, or a *Fault error when the host
	// answered with a fault.
	DecodeResult(payload []byte) (*Response, error)
}

// Route binds an interface package and version constraint to a capability.
type Route struct {
	Package    string
	Constraint *semver.Constraints
	Kind       Kind
	Revision   Revision // set for KindHTTP only
}

// Registry resolves versioned interface names to routes.
type Registry struct {
	routes []Route
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with both transport revisions, secrets
// and state registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("greentic:http/client", "~1.0", KindHTTP, clientV1_0{})
	r.MustRegister("greentic:http/http-client", "~1.1", KindHTTP, httpClientV1_1{})
	r.MustRegister("greentic:secrets-store/secrets-store", "^1.0", KindSecrets, nil)
	r.MustRegister("greentic:state/state-store", "^1.0", KindState, nil)
	return r
}

// Register adds a route. Routes are tried in registration order.
func (r *Registry) Register(pkg, constraint string, kind Kind, rev Revision) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("register %s: %w", pkg, err)
	}
	if kind == KindHTTP && rev == nil {
		return fmt.Errorf("register %s: http routes need a revision", pkg)
	}
	r.routes = append(r.routes, Route{Package: pkg, Constraint: c, Kind: kind, Revision: rev})
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(pkg, constraint string, kind Kind, rev Revision) {
	if err := r.Register(pkg, constraint, kind, rev); err != nil {
		panic(err)
	}
}

// Resolve finds the route serving iface, e.g. "greentic:http/client@1.0.2".
func (r *Registry) Resolve(iface string) (Route, error) {
	pkg, version, err := ParseInterface(iface)
	if err != nil {
		return Route{}, err
	}
	for _, route := range r.routes {
		if route.Package == pkg && route.Constraint.Check(version) {
			return route, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
}

// Revision resolves iface and returns its transport revision.
func (r *Registry) Revision(iface string) (Revision, error) {
	route, err := r.Resolve(iface)
	if err != nil {
		return nil, err
	}
	if route.Kind != KindHTTP {
		return nil, fmt.Errorf("%s is a %s interface, not http", iface, route.Kind)
	}
	return route.Revision, nil
}

// ParseInterface splits "package@version" into its parts.
func ParseInterface(iface string) (string, *semver.Version, error) {
	idx := strings.LastIndex(iface, "@")
	if idx <= 0 || idx == len(iface)-1 {
		return "", nil, fmt.Errorf("%w: %q has no version", ErrUnknownInterface, iface)
	}
	v, err := semver.NewVersion(iface[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %v", ErrUnknownInterface, iface, err)
	}
	return iface[:idx], v, nil
}
