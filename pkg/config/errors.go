package config

import "errors"

// ErrConfig is the fatal error kind for a missing or invalid capabilities
// configuration file.
var ErrConfig = errors.New("config error")
