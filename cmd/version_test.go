package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/arcward/inu/inu"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := inu.Version
	originalCommitSHA := inu.CommitSHA
	originalBuildTime := inu.BuildTime

	t.Cleanup(
		func() {
			inu.Version = originalVersion
			inu.CommitSHA = originalCommitSHA
			inu.BuildTime = originalBuildTime
		},
	)

	inu.Version = "1.0.0"
	inu.CommitSHA = "abc123"
	inu.BuildTime = "2024-08-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		inu.Version,
		inu.CommitSHA,
		inu.BuildTime,
	)
	assert.Equal(t, expected, output)
}
