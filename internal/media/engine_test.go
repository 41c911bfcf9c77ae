package media

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"audio", KindAudio, false},
		{"video", KindVideo, false},
		{"", "", true},
		{"screen", "", true},
		{"Audio", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindHasVideo(t *testing.T) {
	if KindAudio.HasVideo() {
		t.Fatal("audio reports video")
	}
	if !KindVideo.HasVideo() {
		t.Fatal("video does not report video")
	}
}

func TestAcquisitionErrorUnwraps(t *testing.T) {
	cause := errors.New("device busy")
	err := &AcquisitionError{Kind: KindVideo, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("AcquisitionError does not unwrap to its cause")
	}
	if err.Error() == "" {
		t.Fatal("empty error message")
	}
}
