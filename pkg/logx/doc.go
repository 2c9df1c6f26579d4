// Package logx is crmnotify's structured logging: a thin Logger over zerolog
// whose sinks and level can be swapped by a config reload without rebuilding
// the loggers handed out to components.
package logx
