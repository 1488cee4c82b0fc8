// Package config loads the configuration of the publisher and consumer
// processes: built-in defaults, then an optional YAML file, then
// environment variables such as RABBITMQ_URL.
package config
