package model

import "testing"

func TestJobStatusCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPendingUpload, StatusPending, true},
		{StatusPendingUpload, StatusFailed, true},
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusProcessing, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusPending, JobStatus("ARCHIVED"), false},
		{JobStatus(""), StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%q -> %q = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestContentTypeForExtension(t *testing.T) {
	if ct, ok := ContentTypeForExtension("Call.M4A"); !ok || ct != "audio/mp4" {
		t.Fatalf("m4a = %q, %v", ct, ok)
	}
	if _, ok := ContentTypeForExtension("notes.txt"); ok {
		t.Fatal("txt accepted")
	}
	if got := AudioContentTypes(); len(got) != 5 || got[0] != "audio/flac" {
		t.Fatalf("content types = %v", got)
	}
}
