package storage

import "testing"

func TestGCSPathResolver(t *testing.T) {
	r := GCSPathResolver{Bucket: "clips"}
	tests := []struct{ in, want string }{
		{"", ""},
		{"streams/s1/c1.mp4", "gs://clips/streams/s1/c1.mp4"},
		{"gs://other/c1.mp4", "gs://other/c1.mp4"},
		{"/data/streams/c1.mp4", "/data/streams/c1.mp4"},
		{"https://cdn/x/c1.mp4", "https://cdn/x/c1.mp4"},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.in); got != tt.want {
			t.Errorf("Resolve(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}

	if got := (GCSPathResolver{}).Resolve("a/b.mp4"); got != "a/b.mp4" {
		t.Errorf("expected passthrough without bucket, got %q", got)
	}
}

func TestResultObject(t *testing.T) {
	if got := ResultObject("s1", "transcription", "c1"); got != "results/s1/transcription/c1.json" {
		t.Errorf("unexpected object name %q", got)
	}
}
