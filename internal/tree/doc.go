// Package tree copies directory trees over existing ones.
//
// Copy merges the source into the destination: files are overwritten, files
// only present in the destination are kept. In rehearsal mode the copy is
// planned and reported but the file system is not touched.
package tree
