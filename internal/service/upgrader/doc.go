// Package upgrader runs the TeamSpeak server update workflow.
//
// It discovers the latest release, compares it with the installed version
// marker and, when they differ, downloads and unpacks the release, backs up
// the installation to a timestamped sibling directory, copies the release
// over it and records the new version. Run returns an Outcome describing
// what happened; deciding the process exit status is left to the caller.
package upgrader
