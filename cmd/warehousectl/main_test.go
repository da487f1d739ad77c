package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
)

func TestScanLoop(t *testing.T) {
	in := strings.NewReader("PKG-1\n\n  PKG-2  \nBAD\n")
	var out bytes.Buffer
	var seen []string
	ok, failed, err := scanLoop(context.Background(), in, &out, func(_ context.Context, n string) (string, error) {
		seen = append(seen, n)
		if n == "BAD" {
			return "", fmt.Errorf("%w: %s", warehouse.ErrNoMatch, n)
		}
		return "ok " + n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"PKG-1", "PKG-2", "BAD"}, seen)
	assert.Equal(t, "ok PKG-1\nok PKG-2\n! BAD: not found\n", out.String())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "not allowed", describe(warehouse.ErrForbidden))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "warehouse.db"))
	t.Setenv("WAREHOUSE_PASSWORD", "pw")

	out, err := run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready")

	out, err = run(t, "", "profile", "create", "--email", "ana@example.com", "--username", "ana",
		"--password", "pw", "--role", "manager", "--city", "MIA,TPA")
	require.NoError(t, err)
	assert.Contains(t, out, "created ana")

	_, err = run(t, "", "profile", "create", "--email", "x@example.com", "--username", "x", "--password", "pw", "--city", "NYC")
	assert.Error(t, err)

	out, err = run(t, "", "location", "add", "--user", "ana", "A-01", "A-02")
	require.NoError(t, err)
	assert.Contains(t, out, "added A-02")

	out, err = run(t, "PKG-1\nPKG-2\n", "scan", "shelve", "--user", "ana", "--location", "A-01")
	require.NoError(t, err)
	assert.Contains(t, out, "shelved PKG-1 at A-01")
	assert.Contains(t, out, "2 ok, 0 failed")

	out, err = run(t, "PKG-1\n", "scan", "unshelve", "--user", "ana")
	require.NoError(t, err)
	assert.Contains(t, out, "! PKG-1: not found")
	assert.Contains(t, out, "0 ok, 1 failed")

	_, err = run(t, "", "location", "list", "--user", "ana", "--password", "wrong")
	assert.Error(t, err)
}

func TestProfileAdminCommands(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "warehouse.db"))

	for _, name := range []string{"ana", "bo"} {
		_, err := run(t, "", "profile", "create", "--email", name+"@example.com", "--username", name,
			"--password", "pw", "--city", "MIA")
		require.NoError(t, err)
	}

	out, err := run(t, "", "profile", "set-role", "ana", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "ana role=admin")
	_, err = run(t, "", "profile", "set-role", "ana", "owner")
	assert.Error(t, err)

	out, err = run(t, "", "profile", "set-cities", "ana", "--city", "TPA,WPB")
	require.NoError(t, err)
	assert.Contains(t, out, "cities=[TPA WPB]")
	_, err = run(t, "", "profile", "set-cities", "ana", "--city", "NYC")
	assert.Error(t, err)

	_, err = run(t, "", "profile", "rename", "ana", "bo")
	assert.Error(t, err)
	out, err = run(t, "", "profile", "rename", "ana", "anna")
	require.NoError(t, err)
	assert.Contains(t, out, "renamed ana to anna")

	out, err = run(t, "", "profile", "set-active", "bo", "--active=false")
	require.NoError(t, err)
	assert.Contains(t, out, "bo active=false")

	out, err = run(t, "", "profile", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "anna\tadmin\tTPA,WPB\tactive=true")
	assert.Contains(t, out, "bo\tuser\tMIA\tactive=false")

	out, err = run(t, "", "profile", "delete", "bo")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted bo")
	_, err = run(t, "", "profile", "delete", "bo")
	assert.Error(t, err)

	out, err = run(t, "", "profile", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "bo\t")
}
