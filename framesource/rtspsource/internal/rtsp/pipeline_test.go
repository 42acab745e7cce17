package rtsp

import "testing"

func TestBuildFramerateCaps(t *testing.T) {
	cases := []struct {
		width, height int
		fps           float64
		want          string
	}{
		{1280, 720, 30, "video/x-raw,format=RGB,width=1280,height=720,framerate=30/1"},
		{640, 480, 1, "video/x-raw,format=RGB,width=640,height=480,framerate=1/1"},
		{640, 480, 0.5, "video/x-raw,format=RGB,width=640,height=480,framerate=1/2"},
		{640, 480, 0.25, "video/x-raw,format=RGB,width=640,height=480,framerate=1/4"},
	}
	for _, c := range cases {
		if got := buildFramerateCaps(c.width, c.height, c.fps); got != c.want {
			t.Errorf("buildFramerateCaps(%d,%d,%v) = %q, want %q", c.width, c.height, c.fps, got, c.want)
		}
	}
}
