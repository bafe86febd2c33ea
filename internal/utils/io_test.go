package utils

import (
	"strings"
	"testing"
)

func TestReadSecretLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"UnixNewline", "hunter2\nignored\n", "hunter2", false},
		{"WindowsNewline", "hunter2\r\n", "hunter2", false},
		{"NoNewline", "hunter2", "hunter2", false},
		{"KeepsInnerSpaces", "correct horse battery\n", "correct horse battery", false},
		{"Empty", "", "", true},
		{"BlankLine", "\n", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadSecretLine(strings.NewReader(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadSecretLine failed: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}
