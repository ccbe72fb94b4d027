// Package config defines the application's configuration structure and
// loading. Settings come from environment variables (DISPATCH_ prefix)
// or an optional YAML file, with env taking precedence, and are
// validated before the application starts.
package config
