package comms

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes
// as input a configuration string that is passed along to the backend
// constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TOPOGRID_COMMS is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "local")
// and "<backend_configuration>" is backend specific (e.g.: for the local
// backend, it holds the world size and rank).
const TOPOGRID_COMMS = "TOPOGRID_COMMS"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment TOPOGRID_COMMS is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(TOPOGRID_COMMS)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates the Backend described by the configuration string.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "local")
// and "<backend_configuration>" is backend specific. An empty name selects
// the first registered backend.
//
// It panics if no backend was registered or the named one is unknown.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no communication backends registered -- maybe import the in-process one with import _ "github.com/gomlx/topogrid/comms/local"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find communication backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
