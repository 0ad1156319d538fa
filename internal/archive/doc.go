// Package archive downloads release tarballs and unpacks them without
// letting any entry escape the extraction directory.
//
// The compression is detected from the file contents, so bzip2 (the vendor
// default), gzip and plain tar archives are all accepted.
package archive
