// Package config loads the YAML configuration for the topic recorder.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets such as the database password can stay out of the
// file. Binaries call LoadAndValidate, which applies defaults before
// rejecting incomplete configs.
package config
