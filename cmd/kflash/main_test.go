package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Usage(t *testing.T) {
	t.Setenv("KFLASH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("KALICO_REGISTRY_PATH", filepath.Join(t.TempDir(), "devices.json"))

	testCases := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{name: "no command", args: nil, wantCode: exitFailure, wantErr: "Usage: kflash"},
		{name: "help flag", args: []string{"-h"}, wantCode: exitOK, wantErr: "Commands:"},
		{name: "unknown command", args: []string{"frobnicate"}, wantCode: exitFailure},
		{name: "unknown flag", args: []string{"-nope"}, wantCode: exitFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tc.args, &stdout, &stderr)
			assert.Equal(t, tc.wantCode, code)
			if tc.wantErr != "" {
				assert.Contains(t, stderr.String(), tc.wantErr)
			}
		})
	}
}
