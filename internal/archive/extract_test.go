package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
	mode     int64
}

// writeTarball builds a tar archive from entries, gzip-compressed when compress is set.
func writeTarball(t *testing.T, compress bool, entries ...entry) string {
	t.Helper()

	var tarBuf bytes.Buffer

	tw := tar.NewWriter(&tarBuf)

	for _, e := range entries {
		header := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     e.mode,
		}
		if header.Typeflag == 0 {
			header.Typeflag = tar.TypeReg
		}

		if header.Mode == 0 {
			header.Mode = 0o644
		}

		if header.Typeflag == tar.TypeReg {
			header.Size = int64(len(e.body))
		}

		require.NoError(t, tw.WriteHeader(header))

		if header.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())

	data := tarBuf.Bytes()
	name := "release.tar"

	if compress {
		var gzBuf bytes.Buffer

		gw := gzip.NewWriter(&gzBuf)
		_, err := gw.Write(data)
		require.NoError(t, err)
		require.NoError(t, gw.Close())

		data = gzBuf.Bytes()
		name += ".gz"
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// TestExtract_Bzip2Release unpacks the vendor-style bzip2 fixture.
func TestExtract_Bzip2Release(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, Extract(context.Background(), "testdata/release.tar.bz2", dest))

	releaseDir := filepath.Join(dest, "teamspeak3-server_linux_amd64")

	body, err := os.ReadFile(filepath.Join(releaseDir, "ts3server"))
	require.NoError(t, err)
	require.Equal(t, "server 3.13.7\n", string(body))

	info, err := os.Stat(filepath.Join(releaseDir, "ts3server"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(releaseDir, "libts3db_mariadb.so"))
	require.NoError(t, err)
	require.Equal(t, "redist/libmariadb.so.2", link)

	body, err = os.ReadFile(filepath.Join(releaseDir, "libts3db_mariadb.so"))
	require.NoError(t, err)
	require.Equal(t, "lib\n", string(body))
}

// TestExtract_Bzip2Traversal aborts on ../../etc/passwd and writes nothing at all.
func TestExtract_Bzip2Traversal(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dest := filepath.Join(base, "a", "b", "extract")

	err := Extract(context.Background(), "testdata/traversal.tar.bz2", dest)
	require.ErrorIs(t, err, ErrPathTraversal)

	_, err = os.Stat(dest)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(filepath.Join(base, "a", "etc", "passwd"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestExtract_TraversalVariants rejects every way of leaving the root before writing.
func TestExtract_TraversalVariants(t *testing.T) {
	t.Parallel()

	safe := entry{name: "teamspeak3-server_linux_amd64/ts3server", body: "ok"}

	cases := map[string]entry{
		"parent":           {name: "../evil", body: "x"},
		"nested parent":    {name: "teamspeak3-server_linux_amd64/../../evil", body: "x"},
		"absolute":         {name: "/etc/passwd", body: "x"},
		"symlink escape":   {name: "teamspeak3-server_linux_amd64/out", typeflag: tar.TypeSymlink, linkname: "../../outside"},
		"symlink absolute": {name: "etc", typeflag: tar.TypeSymlink, linkname: "/etc"},
		"hardlink escape":  {name: "teamspeak3-server_linux_amd64/hl", typeflag: tar.TypeLink, linkname: "../shadow"},
	}

	for name, bad := range cases {
		bad := bad
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for _, compress := range []bool{true, false} {
				archivePath := writeTarball(t, compress, safe, bad)
				dest := filepath.Join(t.TempDir(), "extract")

				err := Extract(context.Background(), archivePath, dest)
				require.ErrorIs(t, err, ErrPathTraversal)

				_, err = os.Stat(dest)
				require.ErrorIs(t, err, os.ErrNotExist)
			}
		})
	}
}

// TestExtract_InsidePaths accepts names that only look suspicious.
func TestExtract_InsidePaths(t *testing.T) {
	t.Parallel()

	archivePath := writeTarball(t, true,
		entry{name: "./teamspeak3-server_linux_amd64/", typeflag: tar.TypeDir, mode: 0o755},
		entry{name: "teamspeak3-server_linux_amd64/sql/../ts3server", body: "bin", mode: 0o755},
		entry{name: "teamspeak3-server_linux_amd64/..data", body: "dots"},
		entry{name: "teamspeak3-server_linux_amd64/hard", typeflag: tar.TypeLink, linkname: "teamspeak3-server_linux_amd64/ts3server"},
	)

	dest := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, Extract(context.Background(), archivePath, dest))

	body, err := os.ReadFile(filepath.Join(dest, "teamspeak3-server_linux_amd64", "ts3server"))
	require.NoError(t, err)
	require.Equal(t, "bin", string(body))

	body, err = os.ReadFile(filepath.Join(dest, "teamspeak3-server_linux_amd64", "..data"))
	require.NoError(t, err)
	require.Equal(t, "dots", string(body))

	body, err = os.ReadFile(filepath.Join(dest, "teamspeak3-server_linux_amd64", "hard"))
	require.NoError(t, err)
	require.Equal(t, "bin", string(body))
}

// TestExtract_Unsupported refuses files that are not tarballs.
func TestExtract_Unsupported(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body>Not Found</body></html>"), 0o600))

	err := Extract(context.Background(), path, filepath.Join(t.TempDir(), "extract"))
	require.ErrorIs(t, err, ErrUnsupportedArchive)
}

// TestExtract_UnsupportedEntry rejects device nodes before writing anything.
func TestExtract_UnsupportedEntry(t *testing.T) {
	t.Parallel()

	archivePath := writeTarball(t, false,
		entry{name: "teamspeak3-server_linux_amd64/ts3server", body: "bin"},
		entry{name: "teamspeak3-server_linux_amd64/null", typeflag: tar.TypeChar},
	)

	dest := filepath.Join(t.TempDir(), "extract")

	err := Extract(context.Background(), archivePath, dest)
	require.ErrorIs(t, err, errUnsupportedEntry)

	_, err = os.Stat(dest)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestExtract_ChainedSymlinks refuses to write through links planted earlier in the archive.
func TestExtract_ChainedSymlinks(t *testing.T) {
	t.Parallel()

	cases := map[string][]entry{
		"file through link chain": {
			{name: "a/b/up", typeflag: tar.TypeSymlink, linkname: "../.."},
			{name: "a/b/up/esc", typeflag: tar.TypeSymlink, linkname: ".."},
			{name: "a/b/up/esc/pwned.txt", body: "x"},
		},
		"file below inside link": {
			{name: "a/b/up", typeflag: tar.TypeSymlink, linkname: "../.."},
			{name: "a/b/up/pwned.txt", body: "x"},
		},
		"link target walks through link": {
			{name: "a/b/up", typeflag: tar.TypeSymlink, linkname: "../.."},
			{name: "esc", typeflag: tar.TypeSymlink, linkname: "a/b/up/.."},
		},
		"directory below link": {
			{name: "lib", typeflag: tar.TypeSymlink, linkname: "teamspeak3-server_linux_amd64"},
			{name: "lib/sql/", typeflag: tar.TypeDir, mode: 0o755},
		},
		"hard link below link": {
			{name: "teamspeak3-server_linux_amd64/ts3server", body: "bin"},
			{name: "lib", typeflag: tar.TypeSymlink, linkname: "teamspeak3-server_linux_amd64"},
			{name: "hard", typeflag: tar.TypeLink, linkname: "lib/ts3server"},
		},
		"hard link to link": {
			{name: "a/b/c/up", typeflag: tar.TypeSymlink, linkname: "../../.."},
			{name: "up", typeflag: tar.TypeLink, linkname: "a/b/c/up"},
			{name: "up/pwned.txt", body: "x"},
		},
	}

	for name, entries := range cases {
		entries := entries
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			base := t.TempDir()
			dest := filepath.Join(base, "extract")
			archivePath := writeTarball(t, false, entries...)

			err := Extract(context.Background(), archivePath, dest)
			require.ErrorIs(t, err, ErrPathTraversal)

			_, err = os.Stat(dest)
			require.ErrorIs(t, err, os.ErrNotExist)

			_, err = os.Lstat(filepath.Join(base, "pwned.txt"))
			require.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}

// TestExtract_LinkThenRegularFile replaces a symlink with a later file of the same name.
func TestExtract_LinkThenRegularFile(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dest := filepath.Join(base, "extract")
	archivePath := writeTarball(t, true,
		entry{name: "teamspeak3-server_linux_amd64/ts3server", body: "bin"},
		entry{name: "teamspeak3-server_linux_amd64/current", typeflag: tar.TypeSymlink, linkname: "ts3server"},
		entry{name: "teamspeak3-server_linux_amd64/current", body: "plain"},
	)

	require.NoError(t, Extract(context.Background(), archivePath, dest))

	info, err := os.Lstat(filepath.Join(dest, "teamspeak3-server_linux_amd64", "current"))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())

	body, err := os.ReadFile(filepath.Join(dest, "teamspeak3-server_linux_amd64", "ts3server"))
	require.NoError(t, err)
	require.Equal(t, "bin", string(body))
}
