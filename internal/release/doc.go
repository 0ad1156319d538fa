// Package release finds the latest TeamSpeak server release on the vendor
// downloads page and derives the archive URL for it.
package release
