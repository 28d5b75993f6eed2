package assembler

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/image-assembler/internal/common"
)

func TestTarAssembler(t *testing.T) {
	tools := &fakeTools{}
	restore := tools.install(t)
	defer restore()

	var manifest Manifest
	err := json.Unmarshal([]byte(`{
		"assembler": {
			"name": "tar",
			"options": {"filename": "root.tar"}
		}
	}`), &manifest)
	require.NoError(t, err)

	tree := testTree(t)
	outputDir := t.TempDir()
	require.NoError(t, manifest.Assembler.Assemble(nil, tree, outputDir))

	require.Len(t, tools.calls, 1)
	assert.Equal(t, []string{
		"tar", "--auto-compress", "--acls", "--selinux", "--xattrs",
		"-cf", filepath.Join(outputDir, "root.tar"), "-C", tree, ".",
	}, tools.calls[0])
}

func TestTarAssemblerCompression(t *testing.T) {
	cases := []struct {
		compression string
		flag        string
	}{
		{"gzip", "--gzip"},
		{"bzip2", "--bzip2"},
		{"xz", "--xz"},
	}

	for _, c := range cases {
		t.Run(c.compression, func(t *testing.T) {
			tools := &fakeTools{}
			restore := tools.install(t)
			defer restore()

			options := TarAssemblerOptions{Filename: "root.tar." + c.compression, Compression: c.compression}
			tree := testTree(t)
			outputDir := t.TempDir()
			require.NoError(t, options.assemble(tree, outputDir))

			require.Len(t, tools.calls, 1)
			assert.Equal(t, []string{
				"tar", "--auto-compress", "--acls", "--selinux", "--xattrs", c.flag,
				"-cf", filepath.Join(outputDir, "root.tar."+c.compression), "-C", tree, ".",
			}, tools.calls[0])
		})
	}
}

func TestTarAssemblerUnknownCompression(t *testing.T) {
	tools := &fakeTools{}
	restore := tools.install(t)
	defer restore()

	options := TarAssemblerOptions{Filename: "root.tar.zst", Compression: "zstd"}
	err := options.assemble(testTree(t), t.TempDir())
	require.Error(t, err)

	var verr *common.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "zstd")
	assert.Empty(t, tools.calls)
}
