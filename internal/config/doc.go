// Package config builds the updater settings and validates them.
//
// There is no settings file. Every value has a default matching a stock
// TeamSpeak installation under /opt/teamspeak3. TS3_UPDATER_<KEY> environment
// variables override the defaults, and command-line flags override both.
package config
