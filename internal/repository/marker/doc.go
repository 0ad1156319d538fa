// Package marker persists the installed TeamSpeak version.
//
// The FileRepository reads and writes a one-line text file inside the
// installation directory and exposes a Repository interface that the
// upgrader depends on.
package marker
