// Package config defines the configuration of a verification node, with
// default values and the logging setup shared by the CLI and the node.
package config
