// Package gitcmd runs git's stateless smart transport services as local
// processes and bridges their standard streams to HTTP byte streams with
// bounded buffering in both directions.
package gitcmd

import (
	"errors"
	"fmt"
	"strings"
)

// Service identifies one of the smart transport services a client may
// invoke over HTTP.
type Service int

const (
	// UploadPack serves fetches and clones.
	UploadPack Service = iota
	// ReceivePack serves pushes.
	ReceivePack
)

// ErrUnknownService reports a service name outside the two recognized
// smart services. Nothing unrecognized ever reaches a process invocation.
var ErrUnknownService = errors.New("gitcmd: unknown service")

// ParseService maps a wire service name such as "git-upload-pack" to its
// Service.
func ParseService(name string) (Service, error) {
	switch name {
	case "git-upload-pack":
		return UploadPack, nil
	case "git-receive-pack":
		return ReceivePack, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownService, name)
}

// Name returns the wire name of the service.
func (s Service) Name() string {
	switch s {
	case UploadPack:
		return "git-upload-pack"
	case ReceivePack:
		return "git-receive-pack"
	}
	return fmt.Sprintf("gitcmd.Service(%d)", int(s))
}

func (s Service) String() string {
	return s.Name()
}

// argument is the git subcommand for the service: the wire name with its
// "git-" prefix stripped.
func (s Service) argument() string {
	return strings.TrimPrefix(s.Name(), "git-")
}
