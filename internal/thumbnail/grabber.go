package thumbnail

import (
	"context"

	"github.com/browsercast/castrelay/internal/ffmpeg"
)

// FrameGrabber writes one representative frame of src to the JPEG file dst.
type FrameGrabber interface {
	Grab(ctx context.Context, src, dst string) error
}

// FFmpegGrabber captures frames with ffmpeg's thumbnail filter at the
// largest output height.
type FFmpegGrabber struct {
	Binary string
}

// Grab runs ffmpeg until it has written a single frame.
func (g *FFmpegGrabber) Grab(ctx context.Context, src, dst string) error {
	return ffmpeg.NewCommandBuilder(g.Binary).
		HideBanner().
		Overwrite().
		Input(src).
		VideoFilter("thumbnail").
		VideoFilter("scale=-1:1080").
		OutputArgs("-vframes", "1", "-q:v", "2").
		Output(dst).
		Build().
		Run(ctx)
}
